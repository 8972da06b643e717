package realtime

import (
	"encoding/json"
	"strings"

	"qms/clinic-queue/internal/fanout"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionJoinDisplay = "join-display"
	actionJoinClinic  = "join-clinic"
)

type commandMessage struct {
	Action   string `json:"action"`
	Channel  string `json:"channel"`
	ClinicID string `json:"clinic_id"`
}

// Command is a parsed client request to join or leave one channel.
type Command struct {
	Join    bool
	Channel string
}

// ParseCommand accepts subscribe/unsubscribe with an explicit channel, and
// the display and clinic join shorthands.
func ParseCommand(data []byte) (Command, bool) {
	var msg commandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Command{}, false
	}
	var cmd Command
	switch msg.Action {
	case actionSubscribe:
		cmd = Command{Join: true, Channel: msg.Channel}
	case actionUnsubscribe:
		cmd = Command{Join: false, Channel: msg.Channel}
	case actionJoinDisplay:
		cmd = Command{Join: true, Channel: fanout.GlobalChannel}
	case actionJoinClinic:
		clinicID := strings.TrimSpace(msg.ClinicID)
		if clinicID == "" {
			return Command{}, false
		}
		cmd = Command{Join: true, Channel: fanout.ClinicChannel(clinicID)}
	default:
		return Command{}, false
	}
	if !fanout.ValidChannel(cmd.Channel) {
		return Command{}, false
	}
	return cmd, true
}
