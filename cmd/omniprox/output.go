package main

import (
	"errors"
	"fmt"
	"os"

	prov "github.com/omniprox/omniprox/internal/providers"
	"github.com/omniprox/omniprox/internal/store"
	"github.com/omniprox/omniprox/pkg/api"
)

// printBatchReport prints the per-instance breakdown. Partial failures
// always get the full listing, never just an aggregate pass/fail.
func printBatchReport(r *api.BatchReport) {
	fmt.Printf("requested %d, created %d, failed %d", r.Requested, r.Succeeded, r.Failed)
	if r.Interrupted {
		fmt.Print(" (interrupted)")
	}
	fmt.Println()
	for _, ep := range r.Endpoints {
		url := ep.PublicURL
		if ep.Incomplete {
			url = "(provisioning)"
		}
		fmt.Printf("  [ok] %s  %s\n", ep.ID, url)
	}
	for _, e := range r.Errors {
		fmt.Printf("  [failed] attempt %d: %s\n", e.Index+1, e.Reason)
	}
}

// printFailure renders a terminal error with remediation guidance where
// one is known.
func printFailure(err error) {
	var authErr *prov.AuthError
	if errors.As(err, &authErr) {
		fmt.Fprintf(os.Stderr, "error: %v\n", authErr)
		if authErr.Remediation != "" {
			fmt.Fprintf(os.Stderr, "remediation: %s\n", authErr.Remediation)
		}
		return
	}
	var persErr *store.PersistenceError
	if errors.As(err, &persErr) {
		fmt.Fprintf(os.Stderr, "error: %v\n", persErr)
		fmt.Fprintln(os.Stderr, "warning: local tracking may be stale; created resources are listed above")
		return
	}
	fmt.Fprintln(os.Stderr, err)
}
