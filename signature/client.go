package signature

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// SignRequest signs an outgoing request in place, setting the client ID,
// timestamp and signature headers. The body is read and restored.
func SignRequest(req *http.Request, clientID string, secret []byte, alg Algorithm) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := Compute(alg, secret, CanonicalString(req.Method, req.URL.Path, ts, body))
	if err != nil {
		return err
	}

	req.Header.Set(HeaderClientID, clientID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, sig)
	return nil
}
