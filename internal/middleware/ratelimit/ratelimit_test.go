package ratelimit

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func TestAllowRespectsBurstPerKey(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 60, Burst: 2})
	defer rl.Stop()

	now := time.Now()
	if !rl.allow("a", now) || !rl.allow("a", now) {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("a", now) {
		t.Fatal("third request within the same instant should be limited")
	}
	if !rl.allow("b", now) {
		t.Fatal("keys are limited independently")
	}
	if !rl.allow("a", now.Add(time.Second)) {
		t.Fatal("a token should refill after one second")
	}
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 1, Burst: 1})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i, want := range []int{fiber.StatusOK, fiber.StatusTooManyRequests} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", "u1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.StatusCode != want {
			t.Fatalf("request %d: status %d, want %d", i, resp.StatusCode, want)
		}
	}
}

func TestMiddlewareIgnoresUserHeader(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 1, Burst: 1})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i, want := range []int{fiber.StatusOK, fiber.StatusTooManyRequests, fiber.StatusTooManyRequests} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", fmt.Sprintf("u%d", i))
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.StatusCode != want {
			t.Fatalf("request %d: status %d, want %d", i, resp.StatusCode, want)
		}
	}
}
