package mcpservice

import (
	"context"

	"github.com/Spartee/arcade-ai/sessions"
)

// Adapters that turn a ChangeSubscriber feed into the per-capability
// list-changed registration contract. Each registration spawns a forwarding
// goroutine that lives until the registration context ends or the notifier
// closes.

type toolsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (a toolsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (bool, error) {
	ch := a.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session)
			}
		}
	}()
	return true, nil
}

type promptsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (a promptsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (bool, error) {
	ch := a.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session)
			}
		}
	}()
	return true, nil
}

type resourcesListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (a resourcesListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (bool, error) {
	ch := a.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session, "")
			}
		}
	}()
	return true, nil
}
