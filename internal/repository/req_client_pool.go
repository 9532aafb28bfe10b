package repository

import (
	"fmt"
	"sync"
	"time"

	"github.com/imroc/req/v3"

	"github.com/Wei-Shaw/gembiz2api/internal/pkg/proxyurl"
)

// 上游客户端超时档位
const (
	chatClientTimeout = 120 * time.Second
	fileClientTimeout = 60 * time.Second
	xsrfClientTimeout = 30 * time.Second
)

// sharedReqClients 按配置键缓存 req.Client，避免重复建连接池。
var sharedReqClients sync.Map

type reqClientOptions struct {
	ProxyURL           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

func buildReqClientKey(opts reqClientOptions) string {
	trimmed, _, _ := proxyurl.Parse(opts.ProxyURL)
	return fmt.Sprintf("%s|%s|%v", trimmed, opts.Timeout, opts.InsecureSkipVerify)
}

func getSharedReqClient(opts reqClientOptions) (*req.Client, error) {
	trimmed, _, err := proxyurl.Parse(opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	key := buildReqClientKey(opts)
	if cached, ok := sharedReqClients.Load(key); ok {
		if client, ok := cached.(*req.Client); ok {
			return client, nil
		}
	}

	client := req.C().SetTimeout(opts.Timeout)
	if opts.InsecureSkipVerify {
		client.EnableInsecureSkipVerify()
	}
	if trimmed != "" {
		client.SetProxyURL(trimmed)
	}

	actual, _ := sharedReqClients.LoadOrStore(key, client)
	if stored, ok := actual.(*req.Client); ok {
		return stored, nil
	}
	return client, nil
}

// NewChatClient 聊天上游客户端（120 秒超时）。
func NewChatClient(proxyURL string) (*req.Client, error) {
	return getSharedReqClient(reqClientOptions{
		ProxyURL:           proxyURL,
		Timeout:            chatClientTimeout,
		InsecureSkipVerify: true,
	})
}

// NewFileClient 文件上传/下载客户端（60 秒超时）。
func NewFileClient(proxyURL string) (*req.Client, error) {
	return getSharedReqClient(reqClientOptions{
		ProxyURL:           proxyURL,
		Timeout:            fileClientTimeout,
		InsecureSkipVerify: true,
	})
}

// NewXSRFClient 获取 xsrfToken 的客户端（30 秒超时）。
// SSL 错误后需要换新连接，因此不走共享缓存。
func NewXSRFClient(proxyURL string) (*req.Client, error) {
	trimmed, _, err := proxyurl.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	client := req.C().SetTimeout(xsrfClientTimeout)
	client.EnableInsecureSkipVerify()
	if trimmed != "" {
		client.SetProxyURL(trimmed)
	}
	return client, nil
}
