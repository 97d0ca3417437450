package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"rollcall/internal/auth"
	"rollcall/internal/config"
)

// operator-token prints a bearer token for an operator account, for local
// development and scripted setups.
func main() {
	cfg := config.Load()

	account := flag.String("account", "", "operator account id (token subject)")
	ttl := flag.Duration("ttl", cfg.AccessTTL, "token lifetime")
	flag.Parse()

	if *account == "" {
		fmt.Fprintln(os.Stderr, "usage: operator-token -account <id> [-ttl 12h]")
		os.Exit(2)
	}
	if *ttl <= 0 {
		*ttl = 12 * time.Hour
	}

	tok, err := auth.Issue(*account, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(tok.AccessToken)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
}
