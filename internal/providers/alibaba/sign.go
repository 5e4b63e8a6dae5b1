package alibaba

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// rpcError is the JSON error body Alibaba RPC endpoints return.
type rpcError struct {
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	RequestID string `json:"RequestId"`
	status    int
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("alibaba api %s: %s (request %s)", e.Code, e.Message, e.RequestID)
}

func isNotFound(err error) bool {
	if re, ok := err.(*rpcError); ok {
		return re.status == 404 || strings.Contains(re.Code, "NotFound")
	}
	return false
}

// signedQuery builds the RPC-style signed query string: sorted
// percent-encoded parameters signed with HMAC-SHA1 over
// "GET&%2F&<encoded query>".
func signedQuery(action, version, region, accessKeyID, accessKeySecret string, params map[string]string) string {
	all := map[string]string{
		"Action":           action,
		"Version":          version,
		"RegionId":         region,
		"Format":           "JSON",
		"AccessKeyId":      accessKeyID,
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureVersion": "1.0",
		"SignatureNonce":   uuid.NewString(),
		"Timestamp":        time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	for k, v := range params {
		all[k] = v
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var canonical strings.Builder
	for i, k := range keys {
		if i > 0 {
			canonical.WriteByte('&')
		}
		canonical.WriteString(percentEncode(k))
		canonical.WriteByte('=')
		canonical.WriteString(percentEncode(all[k]))
	}

	stringToSign := "GET&%2F&" + percentEncode(canonical.String())
	mac := hmac.New(sha1.New, []byte(accessKeySecret+"&"))
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return canonical.String() + "&Signature=" + percentEncode(signature)
}

// percentEncode follows the RPC signing rules: RFC 3986 with '+' as
// "%20", '*' as "%2A" and "%7E" back to '~'.
func percentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "*", "%2A")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}
