package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shpitdev/leadgen-pipeline/internal/mockgemini"
)

func main() {
	addr := defaultString("MOCK_GEMINI_ADDR", ":8090")
	apiKey := defaultString("MOCK_GEMINI_API_KEY", "")

	fs := flag.NewFlagSet("mock-gemini", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&apiKey, "api-key", apiKey, "Require this x-goog-api-key value (empty disables the check)")
	_ = fs.Parse(os.Args[1:])

	srv := mockgemini.New()
	srv.RequireAPIKey(apiKey)

	_, _ = fmt.Fprintf(os.Stdout, "mock-gemini listening on %s\n", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
