package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestHTTPClientAppliesTimeout(t *testing.T) {
	hc := requestHTTPClient(7 * time.Second)
	require.NotNil(t, hc)
	require.Equal(t, 7*time.Second, hc.Timeout)
}

func TestRequestHTTPClientKeepsDefaultWithoutTimeout(t *testing.T) {
	require.Nil(t, requestHTTPClient(0))
	require.Nil(t, requestHTTPClient(-time.Second))
}

func TestNewOpenAIClientValidation(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{Model: "gpt-4o-mini"})
	require.Error(t, err)

	_, err = NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	require.Error(t, err)

	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", Model: "gpt-4o-mini", RequestTimeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, c)
}
