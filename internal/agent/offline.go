// Package agent holds conversational agents that answer utterances the
// command grammar does not recognize.
package agent

import "context"

// OfflineReply is spoken when no conversational backend is configured.
const OfflineReply = "Sorry, I can only follow simple commands right now."

// Offline answers every question with a fixed reply.
type Offline struct {
	Reply string
}

func (o Offline) Ask(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if o.Reply == "" {
		return OfflineReply, nil
	}
	return o.Reply, nil
}
