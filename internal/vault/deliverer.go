package vault

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"vaultbot/internal/rotation"
	kit "vaultbot/internal/transport"
)

// Copier is the part of the transport the deliverer needs.
type Copier interface {
	CopyMessage(ctx context.Context, to kit.ChatTarget, from int64, messageID int) (kit.MessageRef, error)
}

// Deliverer copies vault channel messages into the requesting user's private
// chat. Item ids are vault message ids.
type Deliverer struct {
	copier    Copier
	vaultChat atomic.Int64
}

func NewDeliverer(c Copier, vaultChatID int64) *Deliverer {
	d := &Deliverer{copier: c}
	d.vaultChat.Store(vaultChatID)
	return d
}

func (d *Deliverer) SetVaultChat(id int64) { d.vaultChat.Store(id) }

func (d *Deliverer) Deliver(ctx context.Context, catalog string, userID int64, itemID string) rotation.Delivery {
	msgID, err := strconv.Atoi(itemID)
	if err != nil || msgID <= 0 {
		return rotation.Permanent(fmt.Errorf("%w: %s item %q is not a message id", rotation.ErrItemGone, catalog, itemID))
	}
	from := d.vaultChat.Load()
	if from == 0 {
		return rotation.Transient(fmt.Errorf("vault chat is not configured"))
	}
	_, err = d.copier.CopyMessage(ctx, kit.ChatTarget{ChatID: userID}, from, msgID)
	return rotation.Classify(err)
}

var _ rotation.Deliverer = (*Deliverer)(nil)
