package gateway

import (
	"context"
	"github.com/curvegateway/curve-gateway/internal/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/curvegateway/curve-gateway/internal/apischema"
	"github.com/curvegateway/curve-gateway/internal/catalog"
	"github.com/curvegateway/curve-gateway/internal/config"
	"github.com/curvegateway/curve-gateway/internal/dispatch"
)

// buildFunctionResolverRequest advertises every prompt target as a
// function-calling tool: name, description, and typed FunctionParameters
// derived from the target's configured parameters.
func buildFunctionResolverRequest(cat *catalog.Catalog, userMessage string) ([]byte, error) {
	tools := make([]openai.ChatCompletionToolParam, 0, len(cat.Targets))
	for _, t := range cat.Targets {
		props := make(map[string]interface{}, len(t.Parameters))
		required := make([]string, 0, len(t.Parameters))
		for _, p := range t.Parameters {
			prop := map[string]interface{}{"type": parameterJSONType(p.Type), "description": p.Description}
			if len(p.Enum) > 0 {
				prop["enum"] = p.Enum
			}
			props[p.Name] = prop
			if p.Required {
				required = append(required, p.Name)
			}
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters: openai.FunctionParameters{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}

	req := apischema.ChatCompletionsRequest{
		Messages: []apischema.Message{{Role: "user", Content: userMessage}},
		Tools:    tools,
	}
	return json.Marshal(req)
}

func parameterJSONType(t string) string {
	if t == "" {
		return "string"
	}
	return t
}

// dispatchFunctionResolver issues the resolver call and returns its parsed
// reply.
func dispatchFunctionResolver(ctx context.Context, d *dispatch.Dispatcher, cluster string, body []byte) (apischema.FunctionResolverResponse, error) {
	_, ch, err := d.Dispatch(ctx, cluster, "/v1/chat/completions", nil, body, 5*time.Second)
	if err != nil {
		return apischema.FunctionResolverResponse{}, err
	}
	reply := <-ch
	if reply.Err != nil {
		return apischema.FunctionResolverResponse{}, reply.Err
	}
	if reply.StatusCode/100 != 2 {
		return apischema.FunctionResolverResponse{}, fmt.Errorf("function resolver returned status %d", reply.StatusCode)
	}
	var resp apischema.FunctionResolverResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return apischema.FunctionResolverResponse{}, fmt.Errorf("decode function resolver response: %w", err)
	}
	return resp, nil
}

// invokeTool issues the tool endpoint call for the resolved target and
// tool call. POST sends the arguments as a JSON body against the
// configured path unchanged; any other method appends the arguments as a
// query string and sends no body.
func invokeTool(ctx context.Context, d *dispatch.Dispatcher, endpoints map[string]config.Endpoint, target *config.PromptTarget, call apischema.ToolCall) (dispatch.Reply, string, string, error) {
	if target.Endpoint == nil {
		return dispatch.Reply{}, "", "", fmt.Errorf("tool invocation: prompt target %q has no endpoint", target.Name)
	}
	ep, ok := endpoints[target.Endpoint.Name]
	if !ok {
		return dispatch.Reply{}, "", "", fmt.Errorf("tool invocation: unknown endpoint %q", target.Endpoint.Name)
	}
	path := target.Endpoint.Path
	if path == "" {
		path = ep.Path
	}

	var args map[string]interface{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return dispatch.Reply{}, "", "", fmt.Errorf("tool invocation: decode arguments: %w", err)
		}
	}

	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = "POST"
	}

	timeout := 5 * time.Second
	if ep.Timeout > 0 {
		timeout = ep.Timeout
	}

	var body []byte
	effectivePath := path
	if method == "POST" {
		b, err := json.Marshal(args)
		if err != nil {
			return dispatch.Reply{}, "", "", err
		}
		body = b
	} else {
		q := make(url.Values, len(args))
		for k, v := range args {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		if len(q) > 0 {
			effectivePath = path + "?" + q.Encode()
		}
		body = nil
	}

	_, ch, err := d.Dispatch(ctx, target.Endpoint.Name, effectivePath, nil, body, timeout)
	if err != nil {
		return dispatch.Reply{}, "", "", err
	}
	reply := <-ch
	return reply, target.Endpoint.Name, effectivePath, nil
}
