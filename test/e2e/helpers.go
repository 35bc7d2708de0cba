package e2e

import (
	"testing"

	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runOnAllConfigs runs testFunc against a fresh server for every
// configuration.
func runOnAllConfigs(t *testing.T, testFunc func(t *testing.T, tc *TestContext)) {
	t.Helper()
	runOnConfigs(t, AllConfigurations(), testFunc)
}

func runOnConfigs(t *testing.T, configs []*TestConfig, testFunc func(t *testing.T, tc *TestContext)) {
	t.Helper()
	if testing.Short() {
		t.Skip("end-to-end tests are skipped in short mode")
	}

	for _, config := range configs {
		t.Run(config.Name, func(t *testing.T) {
			tc := NewTestContext(t, config)
			defer tc.Cleanup()

			testFunc(t, tc)
		})
	}
}

// requireOK asserts a success response carrying args.
func requireOK(t *testing.T, resp *smart.Response, args ...string) {
	t.Helper()
	require.True(t, resp.Success, "request failed: %v", resp.Args)
	assert.Equal(t, args, resp.Args)
}

// requireFailure asserts a failure response whose first argument is kind.
func requireFailure(t *testing.T, resp *smart.Response, kind string) {
	t.Helper()
	require.False(t, resp.Success, "request succeeded: %v", resp.Args)
	require.NotEmpty(t, resp.Args)
	assert.Equal(t, kind, resp.Args[0], "failure tuple: %v", resp.Args)
}
