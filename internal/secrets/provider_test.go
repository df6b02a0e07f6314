package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProvider struct{}

func (failingProvider) Secrets(context.Context) (map[string]string, error) {
	return nil, errors.New("backend down")
}

func TestStatic_ReturnsCopy(t *testing.T) {
	s := Static{"TOKEN": "abc"}
	got, err := s.Secrets(context.Background())
	require.NoError(t, err)
	got["TOKEN"] = "changed"
	assert.Equal(t, "abc", s["TOKEN"])
}

func TestEnvProvider(t *testing.T) {
	p := &EnvProvider{
		Prefix: DefaultEnvPrefix,
		Environ: func() []string {
			return []string{
				"NODEFLOW_SECRET_API_KEY=k=1",
				"NODEFLOW_SECRET_=ignored",
				"HOME=/root",
				"malformed",
			}
		},
	}
	got, err := p.Secrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "k=1"}, got)
}

func TestEnvProvider_ProcessEnv(t *testing.T) {
	t.Setenv("NODEFLOW_SECRET_DB_PASSWORD", "hunter2")
	got, err := NewEnvProvider("").Secrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got["DB_PASSWORD"])
}

func TestChain_Overrides(t *testing.T) {
	c := Chain{Static{"A": "1", "B": "1"}, nil, Static{"B": "2"}}
	got, err := c.Secrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, got)
}

func TestChain_Error(t *testing.T) {
	_, err := Chain{Static{"A": "1"}, failingProvider{}}.Secrets(context.Background())
	assert.EqualError(t, err, "backend down")
}
