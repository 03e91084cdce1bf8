package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/models"
	"github.com/saegimlab/saegim-server/internal/push"
)

func createTestUser(t *testing.T, db *gorm.DB, email string) models.User {
	t.Helper()

	user := models.User{
		Email:    email,
		Nickname: "tester",
		IsActive: true,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func createTestToken(t *testing.T, db *gorm.DB, userID, token string) models.DeviceToken {
	t.Helper()

	row := models.DeviceToken{
		UserID:   userID,
		Token:    token,
		Platform: models.PlatformWeb,
		Active:   true,
	}
	require.NoError(t, db.Create(&row).Error)
	return row
}

// fakeSender classifies sends by per-token outcomes and records call order.
// Queued sequences take precedence over the fixed outcome map and are consumed
// one entry per send.
type fakeSender struct {
	mu        sync.Mutex
	outcomes  map[string]push.Outcome
	sequences map[string][]push.Outcome
	calls     []string

	credentialErr error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		outcomes:  map[string]push.Outcome{},
		sequences: map[string][]push.Outcome{},
	}
}

func (f *fakeSender) queueOutcomes(token string, outcomes ...push.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences[token] = append(f.sequences[token], outcomes...)
}

func (f *fakeSender) Send(_ context.Context, token, _, _ string, _ map[string]string) push.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, token)
	if queued := f.sequences[token]; len(queued) > 0 {
		outcome := queued[0]
		f.sequences[token] = queued[1:]
		return outcome
	}
	if outcome, ok := f.outcomes[token]; ok {
		return outcome
	}
	return push.Delivered()
}

func (f *fakeSender) EnsureCredentials(context.Context) error {
	return f.credentialErr
}

func (f *fakeSender) sentTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
