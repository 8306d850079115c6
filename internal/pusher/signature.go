package pusher

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Sign returns the hex encoded HMAC-SHA256 of str keyed with secret.
func Sign(secret, str string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(str))

	return hex.EncodeToString(mac.Sum(nil))
}

// Token returns the "key:signature" form clients present when joining
// private and presence channels or signing in.
func Token(key, secret, str string) string {
	return key + ":" + Sign(secret, str)
}

// VerifyToken compares a client supplied token against the expected one in
// constant time.
func VerifyToken(key, secret, str, token string) bool {
	expected := Token(key, secret, str)

	return hmac.Equal([]byte(expected), []byte(token))
}

func PrivateSignable(socketID, channel string) string {
	return socketID + ":" + channel
}

func PresenceSignable(socketID, channel, channelData string) string {
	return socketID + ":" + channel + ":" + channelData
}

func UserSignable(socketID, userData string) string {
	return socketID + "::user::" + userData
}

// BodyMD5 returns the hex MD5 of a request body, as sent in body_md5.
func BodyMD5(body []byte) string {
	sum := md5.Sum(body)

	return hex.EncodeToString(sum[:])
}

// RequestSignable builds the string an HTTP API request signature covers:
// the method, the path and the sorted query parameters. auth_signature is
// never part of it and body_md5 is recomputed from the body when one exists.
func RequestSignable(method, path string, query url.Values, body []byte) string {
	params := make(map[string]string, len(query)+1)

	for key, values := range query {
		if key == "auth_signature" || key == "body_md5" || len(values) == 0 {
			continue
		}
		params[key] = values[0]
	}
	if len(body) > 0 {
		params["body_md5"] = BodyMD5(body)
	}
	keys := make([]string, 0, len(params))

	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))

	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}
	return strings.Join([]string{strings.ToUpper(method), path, strings.Join(pairs, "&")}, "\n")
}
