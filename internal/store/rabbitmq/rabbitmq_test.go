package rabbitmq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJob(t *testing.T) {
	body, err := json.Marshal(JobMessage{JobID: "01HX0000000000000000000000"})
	require.NoError(t, err)

	m, err := DecodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, "01HX0000000000000000000000", m.JobID)

	_, err = DecodeJob([]byte(`{}`))
	assert.Error(t, err)
	_, err = DecodeJob([]byte(`not json`))
	assert.Error(t, err)
}
