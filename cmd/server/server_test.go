//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Run migrations
	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

func startTestServer(t *testing.T, db *sql.DB) (string, func()) {
	server, err := NewServerWithDB(context.Background(), db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	ts := httptest.NewServer(server)
	return ts.URL + "/api/v1", ts.Close
}

// TestEndToEnd_TicketRouting tests the complete workflow:
// 1. Create tenant
// 2. Register a user
// 3. Add rule
// 4. Submit ticket and verify routing
// 5. Check execution history and stats
func TestEndToEnd_TicketRouting(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	baseURL, stop := startTestServer(t, db)
	defer stop()

	// Step 1: Create tenant
	t.Log("Step 1: Creating tenant...")
	tenantResp := makeRequest(t, "POST", baseURL+"/tenants", map[string]interface{}{
		"name": "Test Tenant",
	})
	tenantID := tenantResp["id"].(string)
	t.Logf("Created tenant: %s", tenantID)

	// Step 2: Register an admin user directly in the database
	_, err := db.Exec(`
		INSERT INTO users (id, tenant_id, full_name, email, role, created_at)
		VALUES ('admin-1', $1, 'Ada Admin', 'ada@example.com', 'admin', NOW())
	`, tenantID)
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	// Step 3: Add rule
	t.Log("Step 3: Adding rule...")
	ruleResp := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/rules", map[string]interface{}{
		"name": "urgent-service-escalation",
		"conditions": []map[string]interface{}{
			{"field": "priority", "op": "=", "value": "urgent"},
			{"field": "category", "op": "=", "value": "service"},
		},
		"actions": []map[string]interface{}{
			{"type": "assign_to_role", "role": "admin"},
			{"type": "notify"},
		},
		"priority": 1,
		"active":   true,
	})
	ruleID := ruleResp["id"].(string)
	t.Logf("Created rule: %s", ruleID)

	// Step 4a: Submit a matching ticket
	t.Log("Step 4a: Submitting matching ticket...")
	ticketResp := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/tickets", map[string]interface{}{
		"title":    "Repayment failed",
		"priority": "urgent",
		"category": "service",
	})
	ticket := ticketResp["ticket"].(map[string]interface{})
	if ticket["assigned_to"] != "admin-1" {
		t.Errorf("Expected ticket assigned to admin-1, got %v", ticket["assigned_to"])
	}
	if ticket["status"] != "in_progress" {
		t.Errorf("Expected ticket status in_progress, got %v", ticket["status"])
	}
	executions, ok := ticketResp["executions"].([]interface{})
	if !ok || len(executions) != 1 {
		t.Fatalf("Expected 1 execution, got %v", ticketResp["executions"])
	}

	// Step 4b: Submit a non-matching ticket
	t.Log("Step 4b: Submitting non-matching ticket...")
	ticketResp = makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/tickets", map[string]interface{}{
		"title":    "Address change",
		"priority": "low",
		"category": "account",
	})
	ticket = ticketResp["ticket"].(map[string]interface{})
	if ticket["status"] != "open" {
		t.Errorf("Expected non-matching ticket to stay open, got %v", ticket["status"])
	}
	if executions, ok := ticketResp["executions"].([]interface{}); ok && len(executions) != 0 {
		t.Errorf("Expected 0 executions, got %d", len(executions))
	}

	// Step 5: Execution history shows exactly one record
	t.Log("Step 5: Checking execution history...")
	histResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/executions?rule_id="+ruleID)
	history, ok := histResp["executions"].([]interface{})
	if !ok || len(history) != 1 {
		t.Fatalf("Expected 1 execution in history, got %v", histResp)
	}
	first := history[0].(map[string]interface{})
	if first["status"] != "success" {
		t.Errorf("Expected execution status success, got %v", first["status"])
	}

	// Step 6: Stats report a 100% success rate
	statsResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/executions/stats")
	if statsResp["success_rate"].(float64) != 100 {
		t.Errorf("Expected success_rate 100, got %v", statsResp["success_rate"])
	}

	t.Log("End-to-end test completed successfully!")
}

// TestEndToEnd_RuleLifecycle covers toggle, duplicate and manual execution
func TestEndToEnd_RuleLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	baseURL, stop := startTestServer(t, db)
	defer stop()

	tenantResp := makeRequest(t, "POST", baseURL+"/tenants", map[string]interface{}{
		"name": "Lifecycle Tenant",
	})
	tenantID := tenantResp["id"].(string)

	ruleResp := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/rules", map[string]interface{}{
		"name": "urgent-notify",
		"conditions": []map[string]interface{}{
			{"field": "priority", "op": "=", "value": "urgent"},
		},
		"actions": []map[string]interface{}{
			{"type": "notify"},
		},
		"priority": 1,
		"active":   true,
	})
	ruleID := ruleResp["id"].(string)

	// Toggle off
	toggled := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/rules/"+ruleID+"/toggle", nil)
	if toggled["active"].(bool) {
		t.Error("Expected rule inactive after toggle")
	}

	// Duplicate keeps the source's (now inactive) flag and gets a suffix
	dup := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/rules/"+ruleID+"/duplicate", nil)
	if dup["name"] != "urgent-notify (Copy)" {
		t.Errorf("Expected duplicate name 'urgent-notify (Copy)', got %v", dup["name"])
	}
	if dup["active"].(bool) {
		t.Error("Expected duplicate to keep inactive flag")
	}
	if dup["id"] == ruleID {
		t.Error("Expected duplicate to have a fresh ID")
	}

	// A matching open ticket for the manual run
	makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/tickets", map[string]interface{}{
		"title":    "Disbursement stuck",
		"priority": "urgent",
		"category": "service",
	})

	// Manual dry run works even while the rule is disabled
	exec := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/rules/"+ruleID+"/execute", map[string]interface{}{
		"apply": false,
	})
	result := exec["result"].(map[string]interface{})
	if result["dry_run"] != true {
		t.Errorf("Expected dry_run true, got %v", result["dry_run"])
	}
	if result["matched"].(float64) != 1 {
		t.Errorf("Expected 1 matched ticket, got %v", result["matched"])
	}

	// Rules list shows both rules
	listResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/rules")
	if rulesList, ok := listResp["rules"].([]interface{}); !ok || len(rulesList) != 2 {
		t.Errorf("Expected 2 rules, got %v", listResp)
	}

	// Delete the duplicate
	resp, err := makeHTTPRequest("DELETE", baseURL+"/tenants/"+tenantID+"/rules/"+dup["id"].(string), nil)
	if err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
}

// TestEndToEnd_ValidationErrors verifies malformed rules are rejected with 400
func TestEndToEnd_ValidationErrors(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	baseURL, stop := startTestServer(t, db)
	defer stop()

	tenantResp := makeRequest(t, "POST", baseURL+"/tenants", map[string]interface{}{
		"name": "Validation Tenant",
	})
	tenantID := tenantResp["id"].(string)

	badRules := []map[string]interface{}{
		{
			// unsupported operator
			"name":       "bad-op",
			"conditions": []map[string]interface{}{{"field": "priority", "op": ">", "value": 1}},
			"actions":    []map[string]interface{}{{"type": "notify"}},
		},
		{
			// conditions is not a clause list
			"name":       "bad-shape",
			"conditions": "priority == urgent",
			"actions":    []map[string]interface{}{{"type": "notify"}},
		},
		{
			// no actions
			"name":       "no-actions",
			"conditions": []map[string]interface{}{{"field": "priority", "op": "=", "value": "urgent"}},
			"actions":    []map[string]interface{}{},
		},
	}

	for _, body := range badRules {
		resp, err := makeHTTPRequest("POST", baseURL+"/tenants/"+tenantID+"/rules", body)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Rule %v: expected 400, got %d: %s", body["name"], resp.StatusCode, respBody)
		}
	}

	// Nothing was persisted
	listResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/rules")
	if rulesList, ok := listResp["rules"].([]interface{}); !ok || len(rulesList) != 0 {
		t.Errorf("Expected 0 rules, got %v", listResp)
	}

	// Unknown tenant is a 404
	resp, err := makeHTTPRequest("GET", baseURL+"/tenants/ghost/rules", nil)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown tenant, got %d", resp.StatusCode)
	}
}

// Helper function to make HTTP requests with JSON body
func makeRequest(t *testing.T, method, url string, body interface{}) map[string]interface{} {
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// Helper function to make HTTP requests without body
func makeRequestNoBody(t *testing.T, method, url string) map[string]interface{} {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// Helper function to make raw HTTP requests
func makeHTTPRequest(method, url string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
