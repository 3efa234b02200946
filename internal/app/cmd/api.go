package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	coreerrors "companion-gateway/internal/core/errors"
)

var (
	colorOK    = color.New(color.FgGreen, color.Bold).SprintFunc()
	colorWarn  = color.New(color.FgYellow).SprintFunc()
	colorErr   = color.New(color.FgRed, color.Bold).SprintFunc()
	colorLabel = color.New(color.Bold).SprintFunc()
	colorFaint = color.New(color.Faint).SprintFunc()
)

// envelope 网关统一响应
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	} `json:"error,omitempty"`
}

// callAPI 发送请求并把 data 解到 out；错误响应转换为带错误码的错误
func callAPI(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeTimeout, "%s %s", method, url)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return coreerrors.Newf(coreerrors.CodeInternal, "%s %s: unexpected response (%d)", method, url, resp.StatusCode)
	}
	if env.Error != nil {
		e := coreerrors.New(coreerrors.ErrorCode(env.Error.Code), env.Error.Message)
		if env.Error.RetryAfterMs > 0 {
			e = e.WithRetryAfter(time.Duration(env.Error.RetryAfterMs) * time.Millisecond)
		}
		return e
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func printError(err error) {
	code := coreerrors.GetCode(err)
	if code != "" {
		fmt.Fprintf(os.Stderr, "%s [%s] %v\n", colorErr("✗"), code, err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", colorErr("✗"), err)
}

func printRow(w io.Writer, label string, value interface{}) {
	fmt.Fprintf(w, "  %-16s %v\n", colorLabel(label+":"), value)
}
