package gateway

import (
	"context"
	"github.com/curvegateway/curve-gateway/internal/json"
	"fmt"
	"time"

	"github.com/curvegateway/curve-gateway/internal/dispatch"
)

type jailbreakRequest struct {
	Input string `json:"input"`
	Task  string `json:"task"`
}

type jailbreakResponse struct {
	JailbreakVerdict *bool `json:"jailbreak_verdict"`
}

// checkJailbreak dispatches the jailbreak guard call and reports its
// verdict. A guard backend failure (dispatch error, non-2xx status, or an
// undecodable body) is returned as an error, which the request state
// machine turns into a 400 reply.
func checkJailbreak(ctx context.Context, d *dispatch.Dispatcher, cluster, userMessage string) (bool, error) {
	body, err := json.Marshal(jailbreakRequest{Input: userMessage, Task: "jailbreak"})
	if err != nil {
		return false, err
	}
	_, ch, err := d.Dispatch(ctx, cluster, "/guard", nil, body, 60*time.Second)
	if err != nil {
		return false, err
	}
	reply := <-ch
	if reply.Err != nil {
		return false, reply.Err
	}
	if reply.StatusCode/100 != 2 {
		return false, fmt.Errorf("jailbreak guard returned status %d", reply.StatusCode)
	}
	var resp jailbreakResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return false, fmt.Errorf("decode jailbreak response: %w", err)
	}
	return resp.JailbreakVerdict != nil && *resp.JailbreakVerdict, nil
}
