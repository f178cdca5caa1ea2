package session

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var waitRe = regexp.MustCompile(`(?i)(?:FLOOD_WAIT_|SLOWMODE_WAIT_|FLOOD_PREMIUM_WAIT_|retry after )(\d+)`)

var (
	satisfiedCodes = []string{
		"USER_ALREADY_PARTICIPANT",
		"USER_ALREADY_INVITED",
	}
	fatalCodes = []string{
		"AUTH_KEY_UNREGISTERED",
		"AUTH_KEY_INVALID",
		"AUTH_KEY_DUPLICATED",
		"SESSION_REVOKED",
		"SESSION_EXPIRED",
		"USER_DEACTIVATED",
		"USER_DEACTIVATED_BAN",
		"PHONE_NUMBER_BANNED",
		"UNAUTHORIZED",
	}
	itemCodes = []string{
		"USER_PRIVACY_RESTRICTED",
		"USER_NOT_MUTUAL_CONTACT",
		"USER_CHANNELS_TOO_MUCH",
		"USER_BANNED_IN_CHANNEL",
		"USER_KICKED",
		"USER_BOT",
		"USER_ID_INVALID",
		"USERNAME_NOT_OCCUPIED",
		"USERNAME_INVALID",
		"PEER_ID_INVALID",
		"CHANNEL_PRIVATE",
		"CHANNEL_INVALID",
		"CHAT_ADMIN_REQUIRED",
		"CHAT_WRITE_FORBIDDEN",
		"MSG_ID_INVALID",
	}
)

// ClassifyError maps a platform error message (RPC error name or Bot API
// description) onto the Result taxonomy. Unknown errors fail only the item.
func ClassifyError(msg string, cause error) Result {
	up := strings.ToUpper(msg)
	if m := waitRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Blocked(time.Duration(n)*time.Second, "flood wait")
	}
	if strings.Contains(up, "PEER_FLOOD") {
		return Blocked(0, "peer flood")
	}
	for _, c := range satisfiedCodes {
		if strings.Contains(up, c) {
			return Satisfied(strings.ToLower(c))
		}
	}
	for _, c := range fatalCodes {
		if strings.Contains(up, c) {
			return Fatal(strings.ToLower(c), cause)
		}
	}
	for _, c := range itemCodes {
		if strings.Contains(up, c) {
			return Failed(strings.ToLower(c), cause)
		}
	}
	return Failed(msg, cause)
}
