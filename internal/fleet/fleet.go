// Package fleet orchestrates batch creation, listing, teardown and
// rotation testing of proxy endpoints through a single provider driver.
// Vendor SDK details never cross into this package; drivers hand back
// classified errors and the manager aggregates them.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	prov "github.com/omniprox/omniprox/internal/providers"
	"github.com/omniprox/omniprox/pkg/api"
)

const (
	// MaxBatchSize bounds one create invocation. Cloud quotas make larger
	// pools pointless for egress rotation.
	MaxBatchSize = 100

	defaultDelay   = 2 * time.Second
	defaultBackoff = 10 * time.Second
)

// Store is the persistence contract the manager needs. *store.Store
// satisfies it; tests use in-memory doubles.
type Store interface {
	LoadFleet(provider, profile string) ([]prov.Endpoint, error)
	SaveFleet(provider, profile string, fleet []prov.Endpoint) error
}

// Options wires a manager. Confirm replaces interactive prompts; a nil
// Confirm auto-approves, which is the non-interactive default.
type Options struct {
	Driver     prov.Driver
	Store      Store
	Profile    string
	Delay      time.Duration // pause between create attempts
	Backoff    time.Duration // extra pause after a rate-limited attempt
	Confirm func(prompt string) bool
	// TestCleanup decides whether rotation-test endpoints are torn down
	// after the probe run. Nil keeps them tracked in the store.
	TestCleanup func(prompt string) bool
	HTTPClient  *http.Client // rotation-test probes
	EchoURL     string
	Logger      *zerolog.Logger
}

// Manager owns the fleet of one (provider, profile) pair for the duration
// of a command invocation.
type Manager struct {
	driver      prov.Driver
	store       Store
	profile     string
	delay       time.Duration
	backoff     time.Duration
	confirm     func(prompt string) bool
	testCleanup func(prompt string) bool
	httpc       *http.Client
	echoURL     string
	logger      zerolog.Logger
	metrics     *Metrics
}

func New(opts Options) *Manager {
	m := &Manager{
		driver:      opts.Driver,
		store:       opts.Store,
		profile:     opts.Profile,
		delay:       opts.Delay,
		backoff:     opts.Backoff,
		confirm:     opts.Confirm,
		testCleanup: opts.TestCleanup,
		httpc:       opts.HTTPClient,
		echoURL:     opts.EchoURL,
		metrics:     NewMetrics(),
	}
	if m.profile == "" {
		m.profile = "default"
	}
	if m.delay == 0 {
		m.delay = defaultDelay
	}
	if m.backoff == 0 {
		m.backoff = defaultBackoff
	}
	if m.confirm == nil {
		m.confirm = func(string) bool { return true }
	}
	if m.httpc == nil {
		m.httpc = &http.Client{Timeout: 10 * time.Second}
	}
	if m.echoURL == "" {
		m.echoURL = "https://ipinfo.io/ip"
	}
	if opts.Logger != nil {
		m.logger = *opts.Logger
	} else {
		m.logger = log.With().Str("provider", opts.Driver.Name()).Str("profile", m.profile).Logger()
	}
	return m
}

// Metrics returns the per-invocation operation counters.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// CreateBatch provisions count endpoints for targetURL, one at a time.
// Every success is persisted before the next attempt starts, so a crash
// mid-batch never loses created endpoints. A single failure is recorded
// and the loop continues; cancellation stops new attempts and reports
// whatever succeeded.
//
// The returned error is non-nil only for fatal conditions (validation,
// auth, persistence). The report is returned alongside whenever any
// attempt ran.
func (m *Manager) CreateBatch(ctx context.Context, targetURL string, count int) (*api.BatchReport, error) {
	start := time.Now()
	defer func() { m.metrics.Record("create", time.Since(start)) }()

	if err := validateTarget(targetURL); err != nil {
		return nil, err
	}
	if count < 1 || count > MaxBatchSize {
		return nil, prov.ValidationError{
			Field: "count", Value: fmt.Sprintf("%d", count),
			Message: fmt.Sprintf("must be between 1 and %d", MaxBatchSize),
		}
	}
	if err := m.driver.Init(ctx); err != nil {
		m.metrics.RecordError()
		return nil, err
	}

	fleet, err := m.store.LoadFleet(m.driver.Name(), m.profile)
	if err != nil {
		return nil, err
	}

	report := &api.BatchReport{
		Provider:  m.driver.Name(),
		Profile:   m.profile,
		TargetURL: targetURL,
		Requested: count,
	}

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			report.Interrupted = true
			m.logger.Warn().Int("completed", i).Msg("batch interrupted, keeping created endpoints")
			break
		}
		if i > 0 {
			if !sleepCtx(ctx, m.delay) {
				report.Interrupted = true
				break
			}
		}

		m.logger.Info().Int("attempt", i+1).Int("count", count).Msg("creating endpoint")
		ep, err := m.driver.CreateOne(ctx, targetURL)
		if err != nil {
			m.metrics.RecordError()
			report.Failed++
			report.Errors = append(report.Errors, api.AttemptError{Index: i, Reason: err.Error()})
			m.logger.Error().Err(err).Int("attempt", i+1).Msg("create failed, continuing")
			if prov.IsRateLimited(err) {
				m.logger.Warn().Dur("backoff", m.backoff).Msg("rate limited, backing off")
				if !sleepCtx(ctx, m.backoff) {
					report.Interrupted = true
					break
				}
			}
			continue
		}

		fleet = append(fleet, *ep)
		if err := m.store.SaveFleet(m.driver.Name(), m.profile, fleet); err != nil {
			// The endpoint exists remotely; surface it in the report before
			// failing so the user can clean up manually.
			report.Succeeded++
			report.Endpoints = append(report.Endpoints, toAPI(*ep))
			finalizeReport(report, time.Since(start))
			return report, err
		}
		report.Succeeded++
		report.Endpoints = append(report.Endpoints, toAPI(*ep))
		m.logger.Info().Str("id", ep.ID).Str("url", ep.PublicURL).Msg("endpoint created")
	}

	finalizeReport(report, time.Since(start))
	return report, nil
}

// List merges the remotely reported live set with the persisted fleet and
// saves the merge. Remote is the truth: endpoints deleted out-of-band are
// dropped, unknown remote endpoints are imported.
func (m *Manager) List(ctx context.Context) ([]prov.Endpoint, error) {
	start := time.Now()
	defer func() { m.metrics.Record("list", time.Since(start)) }()

	if err := m.driver.Init(ctx); err != nil {
		m.metrics.RecordError()
		return nil, err
	}
	remote, err := m.driver.ListAll(ctx)
	if err != nil {
		m.metrics.RecordError()
		return nil, fmt.Errorf("list remote endpoints: %w", err)
	}
	local, err := m.store.LoadFleet(m.driver.Name(), m.profile)
	if err != nil {
		return nil, err
	}

	merged := mergeFleets(local, remote)
	if err := m.store.SaveFleet(m.driver.Name(), m.profile, merged); err != nil {
		return merged, err
	}
	return merged, nil
}

// DeleteOne removes the endpoint with the given id. An endpoint that is
// already gone, locally and remotely, is a success. The local record is
// removed even when the remote delete reports it missing.
func (m *Manager) DeleteOne(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { m.metrics.Record("delete", time.Since(start)) }()

	if id == "" {
		return prov.ValidationError{Field: "id", Message: "endpoint id is required"}
	}
	if err := m.driver.Init(ctx); err != nil {
		m.metrics.RecordError()
		return err
	}

	fleet, err := m.store.LoadFleet(m.driver.Name(), m.profile)
	if err != nil {
		return err
	}
	target, found := findEndpoint(fleet, id)
	if !found {
		// Not tracked locally; the driver may still know it.
		remote, err := m.driver.ListAll(ctx)
		if err != nil {
			m.metrics.RecordError()
			return fmt.Errorf("resolve endpoint %s: %w", id, err)
		}
		target, found = findEndpoint(remote, id)
		if !found {
			m.logger.Info().Str("id", id).Msg("endpoint already gone")
			return nil
		}
	}

	if err := m.driver.DeleteOne(ctx, target); err != nil && !prov.IsNotFound(err) {
		m.metrics.RecordError()
		return err
	}
	return m.store.SaveFleet(m.driver.Name(), m.profile, removeEndpoint(fleet, id))
}

// DeleteAll tears down every managed endpoint after confirmation. The
// local fleet is cleared even on partial remote failure: a dangling local
// record for an undeletable resource is worse than a one-time manual
// cleanup.
func (m *Manager) DeleteAll(ctx context.Context) (deleted, failed int, err error) {
	start := time.Now()
	defer func() { m.metrics.Record("cleanup", time.Since(start)) }()

	if err := m.driver.Init(ctx); err != nil {
		m.metrics.RecordError()
		return 0, 0, err
	}
	if !m.confirm(fmt.Sprintf("Delete ALL %s endpoints for profile %q?", m.driver.Name(), m.profile)) {
		return 0, 0, errors.New("cleanup aborted")
	}

	deleted, failed, err = m.driver.DeleteAll(ctx)
	if err != nil {
		m.metrics.RecordError()
	}
	if saveErr := m.store.SaveFleet(m.driver.Name(), m.profile, nil); saveErr != nil && err == nil {
		err = saveErr
	}
	return deleted, failed, err
}

func validateTarget(targetURL string) error {
	if targetURL == "" {
		return prov.ValidationError{Field: "url", Message: "target URL is required"}
	}
	u, err := url.Parse(targetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return prov.ValidationError{Field: "url", Value: targetURL, Message: "must be an absolute http(s) URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return prov.ValidationError{Field: "url", Value: targetURL, Message: "scheme must be http or https"}
	}
	return nil
}

func finalizeReport(r *api.BatchReport, d time.Duration) {
	r.Duration = d
	switch {
	case r.Succeeded == 0:
		r.State = api.BatchFailed
	case r.Succeeded == r.Requested:
		r.State = api.BatchSucceeded
	default:
		r.State = api.BatchPartialFailure
	}
}

func mergeFleets(local, remote []prov.Endpoint) []prov.Endpoint {
	remoteByID := make(map[string]prov.Endpoint, len(remote))
	for _, ep := range remote {
		remoteByID[ep.ID] = ep
	}
	var merged []prov.Endpoint
	seen := map[string]bool{}
	// Local ordering is creation order; keep it for survivors, preferring
	// remote fields but retaining local ones the provider cannot report.
	for _, ep := range local {
		r, live := remoteByID[ep.ID]
		if !live {
			continue
		}
		if r.TargetURL == "" {
			r.TargetURL = ep.TargetURL
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = ep.CreatedAt
		}
		if r.Egress == "" {
			r.Egress = ep.Egress
		}
		merged = append(merged, r)
		seen[ep.ID] = true
	}
	for _, ep := range remote {
		if !seen[ep.ID] {
			merged = append(merged, ep)
		}
	}
	return merged
}

func findEndpoint(fleet []prov.Endpoint, id string) (prov.Endpoint, bool) {
	for _, ep := range fleet {
		if ep.ID == id {
			return ep, true
		}
	}
	return prov.Endpoint{}, false
}

func removeEndpoint(fleet []prov.Endpoint, id string) []prov.Endpoint {
	var out []prov.Endpoint
	for _, ep := range fleet {
		if ep.ID != id {
			out = append(out, ep)
		}
	}
	return out
}

func toAPI(ep prov.Endpoint) api.Endpoint {
	return api.Endpoint{
		ID:         ep.ID,
		PublicURL:  ep.PublicURL,
		TargetURL:  ep.TargetURL,
		Egress:     ep.Egress,
		CreatedAt:  ep.CreatedAt,
		Incomplete: ep.Incomplete,
	}
}

// sleepCtx waits d unless the context is canceled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
