package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/config"
)

// AddIdentity asks the running server to register username and prints the
// issued bearer token.
func AddIdentity(username string, cfg *config.Config) error {
	resp, err := RequestIdentity(fmt.Sprintf("http://%s", cfg.AdminAddr), username)
	if err != nil {
		return err
	}

	fmt.Printf("\nIdentity Issued Successfully!\n")
	fmt.Printf("Username:     %s\n", resp.User.ID)
	fmt.Printf("Display name: %s\n", resp.User.DisplayName)
	fmt.Printf("Token:        %s\n", resp.Token)
	fmt.Printf("Expires:      %s\n\n", time.Unix(resp.TokenExpiry, 0).Format(time.RFC3339))
	fmt.Println("Pass the token in the token header, cookie or query parameter.")
	return nil
}

// RequestIdentity calls the admin API at baseURL.
func RequestIdentity(baseURL, username string) (auth.IssueResponse, error) {
	var result auth.IssueResponse

	reqBody, err := json.Marshal(api.AddIdentityRequest{Username: username})
	if err != nil {
		return result, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := http.Post(baseURL+"/admin/identities", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return result, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return result, fmt.Errorf("failed to add identity (Status: %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
