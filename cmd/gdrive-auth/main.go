// Command gdrive-auth runs the OAuth consent flow once and prints the refresh
// token for storage.gdrive.refresh_token.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/oauth2"

	"monkids/internal/config"
	"monkids/internal/storage"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "path to a config file")
	pflag.Parse()

	ctx := context.Background()

	cfg, err := config.Read(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	g := cfg.Storage.GDrive
	if g.ClientID == "" || g.ClientSecret == "" {
		log.Fatal("storage.gdrive.client_id and storage.gdrive.client_secret are required")
	}

	// Local callback on a free port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal(err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	g.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	conf := storage.OAuthConfig(g)

	state := randomState()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("invalid state")
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			errCh <- fmt.Errorf("auth error: %s", e)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("missing code")
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		codeCh <- code
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()

	// prompt=consent makes Google return a refresh token again for an
	// already authorized client.
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Println("\nOpen this URL in your browser:")
	fmt.Println(authURL)
	fmt.Println("\nWaiting for authorization on:", g.RedirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		_ = srv.Close()
		log.Fatal(err)
	case <-time.After(3 * time.Minute):
		_ = srv.Close()
		log.Fatal("timed out waiting for authorization")
	}

	_ = srv.Close()

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		log.Fatal(err)
	}

	if strings.TrimSpace(tok.RefreshToken) == "" {
		fmt.Println("\nNo refresh_token was returned.")
		fmt.Println("Revoke the app's previous access in your Google Account and run this command again:")
		fmt.Println("https://myaccount.google.com/permissions")
		return
	}

	fmt.Println("\nREFRESH TOKEN:")
	fmt.Println(tok.RefreshToken)
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
