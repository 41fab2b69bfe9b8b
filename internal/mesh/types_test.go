package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validManifest() Manifest {
	return Manifest{
		CorrelationID:   "corr-1",
		ExpectedTaskIDs: []string{"a", "b", "c"},
		Deadline:        time.Now().Add(time.Minute),
		Quorum:          QuorumPolicy{All: true},
	}
}

func TestManifestValidate(t *testing.T) {
	m := validManifest()
	assert.NoError(t, m.Validate())

	m = validManifest()
	m.CorrelationID = ""
	assert.Error(t, m.Validate())

	m = validManifest()
	m.ExpectedTaskIDs = nil
	assert.Error(t, m.Validate())

	m = validManifest()
	m.ExpectedTaskIDs = []string{"a", "a"}
	assert.Error(t, m.Validate())

	m = validManifest()
	m.Deadline = time.Time{}
	assert.Error(t, m.Validate())
}

func TestManifestExpects(t *testing.T) {
	m := validManifest()
	assert.True(t, m.Expects("b"))
	assert.False(t, m.Expects("z"))
	assert.False(t, m.Expects(""))
}

func TestBatchStatusTransitions(t *testing.T) {
	assert.True(t, StatusOpen.CanTransition(StatusFinalizing))
	assert.True(t, StatusFinalizing.CanTransition(StatusClosed))

	// No skipping, no resurrection.
	assert.False(t, StatusOpen.CanTransition(StatusClosed))
	assert.False(t, StatusClosed.CanTransition(StatusOpen))
	assert.False(t, StatusClosed.CanTransition(StatusFinalizing))
	assert.False(t, StatusFinalizing.CanTransition(StatusOpen))
}
