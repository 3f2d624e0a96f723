// Package neo4j records which knowledge documents each ticket cited, as a
// User-OPENED->Ticket-CITED->KBDoc graph.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/pkg/circuitbreaker"
	"github.com/support-agent/backend/pkg/logger"
)

const queryTimeout = 5 * time.Second

type Client struct {
	driver   neo4j.DriverWithContext
	database string
	cb       *circuitbreaker.CircuitBreaker
}

// Citation counts how many tickets cited a knowledge document.
type Citation struct {
	DocID   string `json:"doc_id"`
	Tickets int64  `json:"tickets"`
}

func NewClient(ctx context.Context, uri, username, password, database string, onStateChange func(string, circuitbreaker.State, circuitbreaker.State)) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    onStateChange,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{driver: driver, database: database, cb: cb}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) execute(ctx context.Context, work neo4j.ManagedTransactionWork, write bool) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return circuitbreaker.Do(ctx, c.cb, func() (any, error) {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
		defer session.Close(ctx)
		if write {
			return session.ExecuteWrite(ctx, work)
		}
		return session.ExecuteRead(ctx, work)
	})
}

func (c *Client) EnsureConstraints(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT ticket_id IF NOT EXISTS FOR (t:Ticket) REQUIRE t.id IS UNIQUE`,
		`CREATE CONSTRAINT kbdoc_id IF NOT EXISTS FOR (d:KBDoc) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
	}
	for _, stmt := range stmts {
		_, err := c.execute(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, stmt, nil)
			return nil, err
		}, true)
		if err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	return nil
}

// RecordTicket links the ticket to its user and to every cited document,
// keeping the retrieval rank on the CITED edge.
func (c *Client) RecordTicket(ctx context.Context, t *models.Ticket) error {
	cited := make([]map[string]interface{}, len(t.KBDocIDs))
	for i, id := range t.KBDocIDs {
		cited[i] = map[string]interface{}{"id": id, "rank": i + 1}
	}

	query := `
		MERGE (u:User {id: $user_id})
		MERGE (t:Ticket {id: $ticket_id})
		SET t.created_at = $created_at,
		    t.issue_type = $issue_type
		MERGE (u)-[:OPENED]->(t)
		WITH t
		UNWIND $cited AS doc
		MERGE (d:KBDoc {id: doc.id})
		MERGE (t)-[r:CITED]->(d)
		SET r.rank = doc.rank
	`

	issueType, _ := t.Extracted.Lookup("issue_type")
	_, err := c.execute(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, map[string]interface{}{
			"user_id":    t.UserID,
			"ticket_id":  t.ID,
			"created_at": t.CreatedAt.UnixMilli(),
			"issue_type": issueType,
			"cited":      cited,
		})
		return nil, err
	}, true)
	if err != nil {
		return fmt.Errorf("failed to record ticket: %w", err)
	}

	logger.Debug("Ticket recorded in graph", zap.String("ticket_id", t.ID), zap.Int("cited", len(cited)))
	return nil
}

// TopCited returns the documents cited by the most tickets.
func (c *Client) TopCited(ctx context.Context, limit int) ([]Citation, error) {
	query := `
		MATCH (:Ticket)-[:CITED]->(d:KBDoc)
		RETURN d.id AS doc_id, count(*) AS tickets
		ORDER BY tickets DESC, doc_id ASC
		LIMIT $limit
	`

	out, err := c.execute(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]interface{}{"limit": limit})
		if err != nil {
			return nil, err
		}

		citations := make([]Citation, 0)
		for result.Next(ctx) {
			record := result.Record()
			docID, _ := record.Get("doc_id")
			count, _ := record.Get("tickets")

			id, _ := docID.(string)
			n, _ := count.(int64)
			citations = append(citations, Citation{DocID: id, Tickets: n})
		}
		return citations, result.Err()
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to query citations: %w", err)
	}

	return out.([]Citation), nil
}
