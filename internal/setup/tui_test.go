package setup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/saigon/config"
)

func TestAnswers_ConfigSimulate(t *testing.T) {
	a := defaultAnswers()
	a.Account = "0x00000000000000000000000000000000000000aa"
	a.SimFeePercent = "2.5"
	a.Track = []string{"vBTC"}
	a.AutoApprove = false

	tmp, err := a.Config()
	require.NoError(t, err)
	assert.Equal(t, int64(250), tmp.SimFeeBps)
	require.NotNil(t, tmp.AutoApprove)
	assert.False(t, *tmp.AutoApprove)

	// the generated file loads back through the regular config path
	data, err := tmp.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), DefaultOutput)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	conf, _, err := config.Get([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, config.BackendSimulate, conf.Backend)
	assert.Equal(t, 5*time.Second, conf.PollInterval)
	assert.False(t, conf.AutoApprove)
	assert.Len(t, conf.TrackedAssets(), 1)
}

func TestAnswers_ConfigRPC(t *testing.T) {
	a := defaultAnswers()
	a.Backend = config.BackendRPC
	a.PrivateKeyEnv = "MY_KEY"

	tmp, err := a.Config()
	require.NoError(t, err)
	assert.Equal(t, "MY_KEY", tmp.PrivateKeyEnv)
	assert.Empty(t, tmp.Account)
}

func TestAnswers_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Answers)
	}{
		{"bad account", func(a *Answers) { a.Account = "nope" }},
		{"bad interval", func(a *Answers) { a.Account = "0x00000000000000000000000000000000000000aa"; a.PollInterval = "soon" }},
		{"fee too high", func(a *Answers) { a.Account = "0x00000000000000000000000000000000000000aa"; a.SimFeePercent = "120" }},
		{"unknown backend", func(a *Answers) { a.Backend = "kraken" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := defaultAnswers()
			tt.mutate(&a)
			_, err := a.Config()
			assert.Error(t, err)
		})
	}
}

func TestFeeBasisPoints(t *testing.T) {
	bps, err := feeBasisPoints("5")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bps)

	_, err = feeBasisPoints("0.001")
	assert.Error(t, err)
	_, err = feeBasisPoints("-1")
	assert.Error(t, err)
}
