package companion

import (
	"github.com/normanking/cortexcompanion/internal/bridge"
	"github.com/normanking/cortexcompanion/internal/transcript"
)

// AttachBridge routes page events into the companion and mirrors the
// transcript to the page. Call it before Start. Each page that connects is
// sent the history so far and loads the model afresh; a page that goes
// away takes its model with it. The returned func detaches the transcript
// mirror.
func (c *Companion) AttachBridge(b *bridge.Bridge) func() {
	c.mu.Lock()
	c.bridged = true
	c.mu.Unlock()

	b.SetHandlers(bridge.Handlers{
		OnConnect: func(page uint64) {
			for _, e := range c.transcript.Entries() {
				b.SendTranscript(e)
			}
			c.pageConnected(page)
		},
		OnDisconnect: c.pageDisconnected,
		OnHit: func(areas []string) {
			c.Hit(c.ctx, areas)
		},
		OnMessage: func(text string) {
			if err := c.Send(c.ctx, text); err != nil {
				c.logger.Debug().Err(err).Msg("Page message not sent")
			}
		},
		OnVoice: c.VoiceInput,
	})
	return c.transcript.Subscribe(func(e transcript.Entry) {
		b.SendTranscript(e)
	})
}
