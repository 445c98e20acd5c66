package services

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/repositories"
	"github.com/stretchr/testify/assert"
)

func TestClassifiedErrorTextAppearsOnce(t *testing.T) {
	cause := fmt.Errorf("%w: milestone a is submitted", models.ErrMilestoneStatus)
	err := classify(cause)

	assert.Equal(t, KindConflict, err.Kind)
	assert.Equal(t, 1, strings.Count(err.Error(), "milestone a is submitted"), err.Error())
	assert.True(t, errors.Is(err, models.ErrMilestoneStatus))
}

func TestInternalErrorKeepsCause(t *testing.T) {
	err := internalError(errors.New("connection reset"), "failed to load contract")

	assert.Equal(t, "internal: failed to load contract: connection reset", err.Error())
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("wrapped: %w", err)))
}

func TestClassifyForeignErrorHidesText(t *testing.T) {
	err := classify(fmt.Errorf("scan contracts: %w", errors.New("pq: timeout")))

	assert.Equal(t, KindInternal, err.Kind)
	assert.Equal(t, "internal error", err.Message)
	assert.Contains(t, err.Error(), "pq: timeout")
	assert.Equal(t, KindNotFound, classify(repositories.ErrNotFound).Kind)
}
