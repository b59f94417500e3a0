package reaction

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/avatar/avatartest"
)

func newReactor() (*Reactor, *avatar.Session, *avatartest.Model) {
	session := avatar.NewSession(clockwork.NewFakeClock(), nil, zerolog.Nop())
	model := avatartest.NewModel()
	session.SetModel(model)
	return NewReactor(session, nil, nil, zerolog.Nop()), session, model
}

func TestReactor_BodyAndHead(t *testing.T) {
	r, session, model := newReactor()

	assert.True(t, r.Hit(context.Background(), []string{"Head"}))
	assert.True(t, r.Hit(context.Background(), []string{"body"}))

	assert.Equal(t, []avatartest.Motion{
		{Name: "TapHead", Priority: avatar.PriorityForce},
		{Name: "TapBody", Priority: avatar.PriorityForce},
	}, model.Motions())
	assert.False(t, session.Active())
}

func TestReactor_BodyWinsOverHead(t *testing.T) {
	r, _, model := newReactor()

	assert.True(t, r.Hit(context.Background(), []string{"Head", "Body"}))
	require.Len(t, model.Motions(), 1)
	assert.Equal(t, "TapBody", model.Motions()[0].Name)
}

func TestReactor_UnmappedAreaReleases(t *testing.T) {
	r, session, model := newReactor()
	var releases atomic.Int32
	session.OnRelease(func(avatar.Owner) { releases.Add(1) })

	assert.False(t, r.Hit(context.Background(), []string{"Tail"}))
	assert.Empty(t, model.Motions())
	assert.False(t, session.Active())
	assert.Equal(t, int32(1), releases.Load())
}

func TestReactor_IgnoredWhileBusy(t *testing.T) {
	r, session, model := newReactor()
	claim, ok := session.TryEnter(avatar.OwnerSpeaking)
	require.True(t, ok)
	defer claim.Release()

	assert.False(t, r.Hit(context.Background(), []string{"Body"}))
	assert.Empty(t, model.Motions())
	assert.Equal(t, avatar.OwnerSpeaking, session.Owner())
}

func TestReactor_IgnoredWithoutModel(t *testing.T) {
	r, session, model := newReactor()
	session.SetModel(nil)

	assert.False(t, r.Hit(context.Background(), []string{"Body"}))
	assert.Empty(t, model.Motions())
	assert.False(t, session.Active())
}

func TestReactor_MotionErrorReleases(t *testing.T) {
	r, session, model := newReactor()
	model.FailMotion("TapBody", errors.New("missing motion group"))

	assert.True(t, r.Hit(context.Background(), []string{"Body"}))
	assert.False(t, session.Active())
}

func TestReactor_HoldsClaimDuringMotion(t *testing.T) {
	r, session, model := newReactor()
	model.Block("TapHead")

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Hit(context.Background(), []string{"Head"})
	}()

	assert.Eventually(t, func() bool { return session.Owner() == avatar.OwnerReacting }, time.Second, 5*time.Millisecond)
	assert.False(t, r.Hit(context.Background(), []string{"Body"}))

	model.Unblock("TapHead")
	<-done
	assert.False(t, session.Active())
}

func TestReactor_CustomMappings(t *testing.T) {
	session := avatar.NewSession(clockwork.NewFakeClock(), nil, zerolog.Nop())
	model := avatartest.NewModel()
	session.SetModel(model)
	r := NewReactor(session, []Mapping{{Area: "Hand", Motion: "Wave"}, {Area: "Body", Motion: ""}}, nil, zerolog.Nop())

	assert.False(t, r.Hit(context.Background(), []string{"Body"}))
	assert.True(t, r.Hit(context.Background(), []string{"hand"}))
	assert.Equal(t, "Wave", model.Motions()[0].Name)
}
