package fleet

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/omniprox/omniprox/pkg/api"
)

// rotationFleetSize is the fixed number of test endpoints the rotation
// probe creates. Three is enough to distinguish a shared edge network
// from a rotating pool without burning quota.
const rotationFleetSize = 3

const probeDelay = 1 * time.Second

// RotationTest provisions a small fleet against the IP-echo URL, issues
// one request per endpoint and counts distinct egress identifiers. It is
// best-effort network sampling: a single run proves rotation when it sees
// more than one identifier, nothing more.
//
// Created test endpoints are torn down only when the TestCleanup
// callback approves; without one they stay tracked in the store, so a
// scripted run never silently deletes what it just measured.
func (m *Manager) RotationTest(ctx context.Context) (*api.RotationReport, error) {
	start := time.Now()
	defer func() { m.metrics.Record("rotate", time.Since(start)) }()

	batch, err := m.CreateBatch(ctx, m.echoURL, rotationFleetSize)
	if err != nil {
		return nil, err
	}

	report := &api.RotationReport{
		Provider:  m.driver.Name(),
		Profile:   m.profile,
		EchoURL:   m.echoURL,
		Requested: len(batch.Endpoints),
	}

	unique := map[string]bool{}
	for i, ep := range batch.Endpoints {
		if ep.Incomplete || ep.PublicURL == "" {
			m.logger.Warn().Str("id", ep.ID).Msg("skipping incomplete endpoint")
			continue
		}
		if i > 0 {
			if !sleepCtx(ctx, probeDelay) {
				break
			}
		}
		egress, err := m.probe(ctx, ep.PublicURL)
		if err != nil {
			m.logger.Warn().Err(err).Str("url", ep.PublicURL).Msg("probe failed")
			continue
		}
		report.Responded++
		unique[egress] = true
		m.logger.Info().Str("id", ep.ID).Str("egress", egress).Msg("probe succeeded")
	}

	report.UniqueEgress = len(unique)
	for ip := range unique {
		report.Egress = append(report.Egress, ip)
	}
	sort.Strings(report.Egress)

	switch {
	case report.Responded == 0:
		report.Verdict = api.TotalFailure
	case report.UniqueEgress > 1:
		report.Verdict = api.RotationConfirmed
	default:
		report.Verdict = api.NoRotation
	}

	if m.testCleanup != nil && m.testCleanup("Clean up rotation-test endpoints?") {
		for _, ep := range batch.Endpoints {
			if err := m.DeleteOne(ctx, ep.ID); err != nil {
				m.logger.Warn().Err(err).Str("id", ep.ID).Msg("test endpoint cleanup failed")
			}
		}
	} else if len(batch.Endpoints) > 0 {
		m.logger.Info().Int("count", len(batch.Endpoints)).
			Msg("keeping rotation-test endpoints; remove them with delete or cleanup")
	}

	return report, nil
}

// probe requests the endpoint once and returns the trimmed response body,
// which for an IP-echo target is the egress identifier.
func (m *Manager) probe(ctx context.Context, publicURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}
