package proxy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Strategy 是拦截请求的处理策略，每个请求只会命中其中一种。
type Strategy string

const (
	StrategyFile        Strategy = "file"
	StrategyFont        Strategy = "font"
	StrategyImage       Strategy = "image"
	StrategyAPI         Strategy = "api"
	StrategyStatic      Strategy = "static"
	StrategyHTML        Strategy = "html"
	StrategyPassthrough Strategy = "passthrough"
)

var (
	fontPattern   = regexp.MustCompile(`(?i)\.(woff2|woff|ttf|otf)$`)
	imagePattern  = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|svg|ico)$`)
	staticPattern = regexp.MustCompile(`\.(js|css)$`)
)

// ClassifierOptions 描述分类规则依赖的可配置项。
type ClassifierOptions struct {
	// ReservedPrefixes 是路由到文件存储的路径前缀，默认 /Users/ 与 /System/。
	ReservedPrefixes []string
	// StaticPrefix 是构建产物目录，默认 /_next/。
	StaticPrefix string
	// APIPatterns 以不区分大小写的正则匹配完整 URL。
	APIPatterns []string
}

// Classifier 按固定优先级为请求挑选策略。
type Classifier struct {
	reserved     []string
	staticPrefix string
	apiPatterns  []*regexp.Regexp
}

// NewClassifier 编译 API 匹配规则；任一规则非法都会返回错误。
func NewClassifier(opts ClassifierOptions) (*Classifier, error) {
	patterns := make([]*regexp.Regexp, 0, len(opts.APIPatterns))
	for _, raw := range opts.APIPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid api pattern %q: %w", raw, err)
		}
		patterns = append(patterns, re)
	}
	reserved := make([]string, 0, len(opts.ReservedPrefixes))
	for _, p := range opts.ReservedPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			reserved = append(reserved, p)
		}
	}
	return &Classifier{
		reserved:     reserved,
		staticPrefix: strings.TrimSpace(opts.StaticPrefix),
		apiPatterns:  patterns,
	}, nil
}

// Reserved 判断路径是否位于文件存储的保留前缀下。
func (c *Classifier) Reserved(p string) bool {
	for _, prefix := range c.reserved {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Classify 返回请求的策略。保留前缀只有在 hasFile 报告记录存在时才归为 StrategyFile，
// 否则继续按后续规则匹配。
func (c *Classifier) Classify(req *http.Request, hasFile func(string) bool) Strategy {
	p := req.URL.Path
	if c.Reserved(p) && hasFile != nil && hasFile(p) {
		return StrategyFile
	}
	return c.classifyAsset(req)
}

func (c *Classifier) classifyAsset(req *http.Request) Strategy {
	p := req.URL.Path
	switch {
	case fontPattern.MatchString(p):
		return StrategyFont
	case imagePattern.MatchString(p):
		return StrategyImage
	case c.isAPI(req.URL.String()):
		return StrategyAPI
	case c.staticPrefix != "" && strings.HasPrefix(p, c.staticPrefix), staticPattern.MatchString(p):
		return StrategyStatic
	case acceptsHTML(req):
		return StrategyHTML
	default:
		return StrategyPassthrough
	}
}

func (c *Classifier) isAPI(raw string) bool {
	for _, re := range c.apiPatterns {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// Intercepted 判断请求是否属于拦截范围：仅限 http(s) 的 GET。
func Intercepted(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return false
	}
	scheme := strings.ToLower(req.URL.Scheme)
	return scheme == "http" || scheme == "https"
}
