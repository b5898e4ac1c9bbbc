// Command get-token obtains the Gmail refresh token used for notification mail.
package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/notify"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Notify.GmailClientID == "" || cfg.Notify.GmailClientSecret == "" {
		logrus.Fatal("Please set GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET environment variables")
	}

	oauthConfig := notify.OAuthConfig(cfg.Notify)
	oauthConfig.RedirectURL = "http://localhost:8080/callback"

	authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser: %v\n", authURL)
	fmt.Println("\nAfter authorization, copy the 'code' parameter from the redirect URL.")

	var authCode string
	fmt.Print("\nEnter the authorization code: ")
	if _, err := fmt.Scan(&authCode); err != nil {
		logrus.Fatalf("failed to read authorization code: %v", err)
	}

	tok, err := oauthConfig.Exchange(context.Background(), authCode)
	if err != nil {
		logrus.Fatalf("Unable to retrieve token from web: %v", err)
	}

	fmt.Printf("\nRefresh Token: %s\n", tok.RefreshToken)
	fmt.Printf("Expiry: %v\n", tok.Expiry)
	fmt.Println("\nAdd the refresh token to your environment variables:")
	fmt.Printf("export GMAIL_REFRESH_TOKEN=%q\n", tok.RefreshToken)
}
