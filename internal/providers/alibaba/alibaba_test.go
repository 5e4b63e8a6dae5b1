package alibaba

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/omniprox/omniprox/internal/providers"
)

func TestClassifyCreate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want prov.CreateKind
	}{
		{"throttled by code", &rpcError{Code: "Throttling.User", status: 400}, prov.RateLimited},
		{"throttled by status", &rpcError{Code: "ServiceUnavailable", status: 429}, prov.RateLimited},
		{"quota", &rpcError{Code: "QuotaExceeded.ApiGroup", status: 400}, prov.QuotaExceeded},
		{"instance ceiling", &rpcError{Code: "ExceedLimit.Api", status: 400}, prov.QuotaExceeded},
		{"server error", &rpcError{Code: "InternalError", status: 503}, prov.NetworkFailure},
		{"plain rejection", &rpcError{Code: "InvalidParameter", status: 400}, prov.UnknownCreate},
		{"non-rpc error", errors.New("connection refused"), prov.UnknownCreate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyCreate("alibaba", "group-1", tc.err)
			var ce *prov.CreateError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.want, ce.Kind)
			assert.Equal(t, "alibaba", ce.Provider)
			assert.Equal(t, "group-1", ce.ResourceID)
		})
	}
}
