package session

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/adred-codev/goofish-agent/internal/wire"
)

// The gateway expects this exact composite UA in the register frame.
const defaultWSUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36 DingTalk(2.1.5) OS(Windows/10) Browser(Chrome/133.0.0.0) DingWeb/2.1.5 IMPaaS DingWeb/2.1.5"

// envelope is the lwp frame shell, inbound and outbound.
type envelope struct {
	LWP     string          `json:"lwp,omitempty"`
	Code    int             `json:"code,omitempty"`
	Headers map[string]any  `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func marshalFrame(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Frames are built from plain maps and strings; this cannot fail
		// at runtime and a panic here would mean a programming error.
		panic(err)
	}
	return raw
}

// registerFrame announces the session to the gateway. The token is the
// access token from the login token API; did is the stable device id.
func registerFrame(mid, deviceID, token, ua string) []byte {
	return marshalFrame(map[string]any{
		"lwp": "/reg",
		"headers": map[string]any{
			"cache-header": "app-key token ua wv",
			"app-key":      wire.TokenAppKey,
			"token":        token,
			"ua":           ua,
			"dt":           "j",
			"wv":           "im:3,au:3,sy:6",
			"sync":         "0,0;0;0;",
			"did":          deviceID,
			"mid":          mid,
		},
	})
}

// ackDiffFrame primes the sync channel right after registration so the
// gateway starts pushing from now instead of replaying history.
func ackDiffFrame(mid string, now time.Time) []byte {
	ms := now.UnixMilli()
	return marshalFrame(map[string]any{
		"lwp":     "/r/SyncStatus/ackDiff",
		"headers": map[string]any{"mid": mid},
		"body": []map[string]any{{
			"pipeline":    "sync",
			"tooLong2Tag": "PNM,1",
			"channel":     "sync",
			"topic":       "sync",
			"highPts":     0,
			"pts":         ms * 1000,
			"seq":         0,
			"timestamp":   ms,
		}},
	})
}

func heartbeatFrame(mid string) []byte {
	return marshalFrame(map[string]any{
		"lwp":     "/!",
		"headers": map[string]any{"mid": mid},
	})
}

// ackFrame mirrors an inbound frame's routing headers back with code 200.
// mid and sid are always present, the rest only when the frame carried them.
func ackFrame(headers map[string]any) []byte {
	ackHeaders := map[string]any{"mid": wire.MID(), "sid": ""}
	if v, ok := headers["mid"]; ok {
		ackHeaders["mid"] = v
	}
	if v, ok := headers["sid"]; ok {
		ackHeaders["sid"] = v
	}
	for _, key := range []string{"app-key", "ua", "dt"} {
		if v, ok := headers[key]; ok {
			ackHeaders[key] = v
		}
	}
	return marshalFrame(map[string]any{"code": 200, "headers": ackHeaders})
}

// sendTextFrame builds an outgoing chat message. The text payload rides
// base64-encoded inside content.custom.data and is addressed to both the
// receiver and the sender's own mirror.
func sendTextFrame(mid, uuid, chatID, selfID, toID, text string) []byte {
	inner := marshalFrame(map[string]any{
		"contentType": 1,
		"text":        map[string]any{"text": text},
	})
	return marshalFrame(map[string]any{
		"lwp":     "/r/MessageSend/sendByReceiverScope",
		"headers": map[string]any{"mid": mid},
		"body": []any{
			map[string]any{
				"uuid":   uuid,
				"cid":    chatID + "@goofish",
				"conversationType": 1,
				"content": map[string]any{
					"contentType": 101,
					"custom": map[string]any{
						"type": 1,
						"data": base64.StdEncoding.EncodeToString(inner),
					},
				},
				"redPointPolicy":      0,
				"extension":           map[string]any{"extJson": "{}"},
				"ctx":                 map[string]any{"appVersion": "1.0", "platform": "web"},
				"mtags":               map[string]any{},
				"msgReadStatusSetting": 1,
			},
			map[string]any{
				"actualReceivers": []string{toID + "@goofish", selfID + "@goofish"},
			},
		},
	})
}

// createChatFrame opens a single chat conversation about an item so a
// message can be sent without an inbound chat id.
func createChatFrame(mid, uuid, selfID, toID, itemID string) []byte {
	return marshalFrame(map[string]any{
		"lwp":     "/r/SingleChatConversation/create",
		"headers": map[string]any{"mid": mid},
		"body": []any{
			map[string]any{
				"pairFirst":  toID + "@goofish",
				"pairSecond": selfID + "@goofish",
				"bizType":    "1",
				"extension":  map[string]any{"itemId": itemID},
				"ctx": map[string]any{
					"appVersion": "1.0",
					"platform":   "web",
				},
			},
			map[string]any{"uuid": uuid},
		},
	})
}
