package backendauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unsafe"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	gwconfig "github.com/curvegateway/curve-gateway/internal/config"
)

// awsHandler implements [Handler] for AWS Bedrock authz via SigV4 request
// signing.
type awsHandler struct {
	credentials aws.Credentials
	signer      *v4.Signer
	region      string
}

func newAWSHandler(ctx context.Context, awsAuth *gwconfig.AWSAuth) (Handler, error) {
	if awsAuth == nil {
		return nil, fmt.Errorf("backendauth: aws_sigv4 configuration is required")
	}
	var creds aws.Credentials
	region := awsAuth.Region
	if awsAuth.CredentialFileName != "" {
		cfg, err := config.LoadDefaultConfig(
			ctx,
			config.WithSharedCredentialsFiles([]string{awsAuth.CredentialFileName}),
			config.WithRegion(region),
		)
		if err != nil {
			return nil, fmt.Errorf("cannot load from credentials file: %w", err)
		}
		creds, err = cfg.Credentials.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot retrieve AWS credentials: %w", err)
		}
	}
	return &awsHandler{credentials: creds, signer: v4.NewSigner(), region: region}, nil
}

// Do implements [Handler.Do]. Signs the :path set in the header mutation,
// or the inbound request's :path when the mutation sets none, together
// with the outbound body from the body mutation.
func (a *awsHandler) Do(ctx context.Context, requestHeaders map[string]string, headerMut *extprocv3.HeaderMutation, bodyMut *extprocv3.BodyMutation) error {
	method := requestHeaders[":method"]
	path := ""
	for _, h := range headerMut.SetHeaders {
		if h.Header.Key == ":path" {
			if len(h.Header.Value) > 0 {
				path = h.Header.Value
			} else if rv := h.Header.RawValue; len(rv) > 0 {
				path = unsafe.String(&rv[0], len(rv))
			}
			break
		}
	}
	if path == "" {
		path = requestHeaders[":path"]
	}

	var body []byte
	if b := bodyMut.GetBody(); len(b) > 0 {
		body = b
	}

	payloadHash := sha256.Sum256(body)
	req, err := http.NewRequest(method,
		fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com%s", a.region, path),
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}

	if err := a.signer.SignHTTP(ctx, a.credentials, req, hex.EncodeToString(payloadHash[:]), "bedrock", a.region, time.Now()); err != nil {
		return fmt.Errorf("cannot sign request: %w", err)
	}

	for key, hdr := range req.Header {
		if key == "Authorization" || strings.HasPrefix(key, "X-Amz-") {
			headerMut.SetHeaders = append(headerMut.SetHeaders, &corev3.HeaderValueOption{
				Header: &corev3.HeaderValue{Key: key, RawValue: []byte(hdr[0])},
			})
		}
	}
	return nil
}
