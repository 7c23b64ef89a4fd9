package roles_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

func TestTranscriptTranslations(t *testing.T) {
	cases := []struct {
		in     roles.TranscriptRole
		model  roles.ModelRole
		memory roles.MemoryRole
	}{
		{roles.TranscriptUser, roles.ModelUser, roles.MemoryUser},
		{roles.TranscriptPodbot, roles.ModelAssistant, roles.MemoryAssistant},
	}
	for _, tc := range cases {
		t.Run(string(tc.in), func(t *testing.T) {
			m, err := roles.TranscriptToModel(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.model, m)

			mem, err := roles.TranscriptToMemory(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.memory, mem)

			back, err := roles.MemoryToTranscript(mem)
			require.NoError(t, err)
			assert.Equal(t, tc.in, back)
		})
	}
}

func TestMemoryTranslations(t *testing.T) {
	m, err := roles.MemoryToModel(roles.MemoryUser)
	require.NoError(t, err)
	assert.Equal(t, roles.ModelUser, m)

	m, err = roles.MemoryToModel(roles.MemoryAssistant)
	require.NoError(t, err)
	assert.Equal(t, roles.ModelAssistant, m)
}

func TestModelTranslations(t *testing.T) {
	mem, err := roles.ModelToMemory(roles.ModelAssistant)
	require.NoError(t, err)
	assert.Equal(t, roles.MemoryAssistant, mem)

	tr, err := roles.ModelToTranscript(roles.ModelAssistant)
	require.NoError(t, err)
	assert.Equal(t, roles.TranscriptPodbot, tr)

	tr, err = roles.ModelToTranscript(roles.ModelUser)
	require.NoError(t, err)
	assert.Equal(t, roles.TranscriptUser, tr)
}

func TestSystemHasNoMemoryOrTranscriptSlot(t *testing.T) {
	_, err := roles.ModelToMemory(roles.ModelSystem)
	require.ErrorIs(t, err, roles.ErrUnsupportedRole)

	_, err = roles.ModelToTranscript(roles.ModelSystem)
	require.ErrorIs(t, err, roles.ErrUnsupportedRole)
}

func TestUnknownValuesRejected(t *testing.T) {
	_, err := roles.TranscriptToModel("narrator")
	require.ErrorIs(t, err, roles.ErrUnknownRole)
	assert.Contains(t, err.Error(), "narrator")

	_, err = roles.TranscriptToMemory("")
	require.ErrorIs(t, err, roles.ErrUnknownRole)

	_, err = roles.MemoryToTranscript("system")
	require.ErrorIs(t, err, roles.ErrUnknownRole)

	_, err = roles.MemoryToModel("tool")
	require.ErrorIs(t, err, roles.ErrUnknownRole)

	_, err = roles.ModelToMemory("tool")
	require.ErrorIs(t, err, roles.ErrUnknownRole)

	_, err = roles.ModelToTranscript("Podbot")
	require.ErrorIs(t, err, roles.ErrUnknownRole)
}

func TestParse(t *testing.T) {
	tr, err := roles.ParseTranscriptRole("podbot")
	require.NoError(t, err)
	assert.Equal(t, roles.TranscriptPodbot, tr)
	_, err = roles.ParseTranscriptRole("assistant")
	require.ErrorIs(t, err, roles.ErrUnknownRole)

	mem, err := roles.ParseMemoryRole("assistant")
	require.NoError(t, err)
	assert.Equal(t, roles.MemoryAssistant, mem)
	_, err = roles.ParseMemoryRole("podbot")
	require.ErrorIs(t, err, roles.ErrUnknownRole)

	m, err := roles.ParseModelRole("system")
	require.NoError(t, err)
	assert.Equal(t, roles.ModelSystem, m)
	_, err = roles.ParseModelRole("USER")
	require.ErrorIs(t, err, roles.ErrUnknownRole)
}
