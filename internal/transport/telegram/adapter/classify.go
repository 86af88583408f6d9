package adapter

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "vaultbot/internal/transport"
)

// goneDescriptions are Bot API error descriptions meaning the source message
// of a copy no longer exists.
var goneDescriptions = []string{
	"message to copy not found",
	"message to forward not found",
	"message_id_invalid",
	"message not found",
}

// classifyCopyError wraps copy failures whose description says the source
// message is gone with kit.ErrContentGone. Every other error is returned as is.
func classifyCopyError(err error) error {
	if err == nil {
		return nil
	}
	if isContentGone(err) {
		return fmt.Errorf("%w: %v", kit.ErrContentGone, err)
	}
	return err
}

func isContentGone(err error) bool {
	var te *tele.Error
	desc := err.Error()
	if errors.As(err, &te) && te != nil {
		desc = te.Description
		if desc == "" {
			desc = te.Message
		}
	}
	desc = strings.ToLower(desc)
	for _, s := range goneDescriptions {
		if strings.Contains(desc, s) {
			return true
		}
	}
	return false
}
