package server

import (
	"bytes"
	"fmt"
	"net/textproto"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request represents an incoming HTTP request
type Request struct {
	Method     string
	Path       string
	Version    string
	Query      map[string]string
	PathParams map[string]string
	Body       map[string]string
	Headers    map[string]string
	Browser    string
	RawBody    []byte
	ConnID     Identifier
}

// decodeRequest turns a framed unit into a Request. The unit has already
// passed framing, so only semantic problems are reported here.
func decodeRequest(unit *RequestUnit) (*Request, error) {
	head := unit.Head()
	headers := make([]Header, unit.HeaderCount())
	if _, _, err := parseHead(head, headers); err != nil {
		return nil, err
	}

	method, target, version, err := parseRequestLineFromBytes(firstLine(head))
	if err != nil {
		return nil, err
	}

	headerMap := make(map[string]string, len(headers))
	for _, h := range headers {
		headerMap[textproto.CanonicalMIMEHeaderKey(string(h.Name))] = string(h.Value)
	}

	// Parse query string
	var queryMap map[string]string
	pathParts := bytes.SplitN(target, []byte("?"), 2)
	if len(pathParts) > 1 {
		queryMap = parseKeyValuePairsFromBytes(pathParts[1])
	}

	// Parse body
	var bodyMap map[string]string
	body := unit.Body()
	if len(body) > 0 {
		if strings.Contains(headerMap["Content-Type"], "application/json") {
			bodyMap = parseJSONBodyFromBytes(body)
		} else {
			bodyMap = parseKeyValuePairsFromBytes(body)
		}
	}

	return &Request{
		Method:  method,
		Path:    string(pathParts[0]),
		Version: version,
		Query:   queryMap,
		Body:    bodyMap,
		Headers: headerMap,
		Browser: detectBrowser(headerMap["User-Agent"]),
		RawBody: body,
		ConnID:  unit.ID(),
	}, nil
}

// KeepAlive reports whether the client expects the connection to stay open.
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.Headers["Connection"])
	if r.Version == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return !strings.Contains(conn, "close")
}

// firstLine returns the first non-empty line of head.
func firstLine(head []byte) []byte {
	for pos := 0; pos < len(head); {
		line, next, ok := nextLine(head, pos)
		if !ok {
			return nil
		}
		if len(line) > 0 {
			return line
		}
		pos = next
	}
	return nil
}

// parseRequestLineFromBytes extracts method, target and version from the request line
func parseRequestLineFromBytes(line []byte) (method string, target []byte, version string, err error) {
	parts := bytes.Split(line, []byte(" "))
	if len(parts) < 3 {
		return "", nil, "", errors.New("invalid request line")
	}
	return string(parts[0]), parts[1], string(parts[2]), nil
}

// parseKeyValuePairsFromBytes parses URL-encoded key-value pairs
func parseKeyValuePairsFromBytes(data []byte) map[string]string {
	resultMap := make(map[string]string, 8)
	pairs := bytes.Split(data, []byte("&"))

	for _, pair := range pairs {
		parts := bytes.SplitN(pair, []byte("="), 2)
		if len(parts) == 2 {
			decodedKey := safeURLDecode(string(parts[0]))
			decodedValue := safeURLDecode(string(parts[1]))
			resultMap[decodedKey] = decodedValue
		}
	}
	return resultMap
}

// parseJSONBodyFromBytes parses a JSON body into a string map
func parseJSONBodyFromBytes(bodyData []byte) map[string]string {
	var jsonData map[string]any
	result := make(map[string]string, 8)

	if err := json.Unmarshal(bodyData, &jsonData); err != nil {
		return result
	}

	for key, value := range jsonData {
		result[key] = fmt.Sprintf("%v", value)
	}

	return result
}

// safeURLDecode decodes a URL-encoded string, returning original on error
func safeURLDecode(encoded string) string {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return encoded
	}
	return decoded
}

// detectBrowser determines browser from User-Agent header
func detectBrowser(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Chrome"):
		return "Chrome"
	case strings.Contains(userAgent, "Firefox"):
		return "Firefox"
	case strings.Contains(userAgent, "Safari"):
		return "Safari"
	default:
		return "Unknown Browser"
	}
}

func matchRoute(requestPath string, routePattern string) (map[string]string, bool) {
	// Split both into parts
	requestParts := strings.Split(strings.Trim(requestPath, "/"), "/")
	patternParts := strings.Split(strings.Trim(routePattern, "/"), "/")

	// Must have same number of segments
	if len(requestParts) != len(patternParts) {
		return nil, false
	}

	params := make(map[string]string)

	for i := 0; i < len(requestParts); i++ {
		if strings.HasPrefix(patternParts[i], ":") {
			params[patternParts[i][1:]] = requestParts[i]
		} else if requestParts[i] != patternParts[i] {
			return nil, false
		}
	}

	return params, true
}
