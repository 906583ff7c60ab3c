package quota

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/platinummonkey/meter/pkg/pricing"
)

// Operation is a metered kind of request
type Operation string

const (
	OpCreatePost    Operation = "create_post"
	OpGenerateImage Operation = "generate_ai_image"
	OpGenerateVideo Operation = "generate_ai_video"
)

// Feature returns the usage counter an operation consumes
func (o Operation) Feature() pricing.Feature {
	switch o {
	case OpGenerateImage:
		return pricing.FeatureAIImages
	case OpGenerateVideo:
		return pricing.FeatureAIVideos
	default:
		return pricing.FeaturePosts
	}
}

// OperationFor returns the operation that consumes a feature
func OperationFor(feature pricing.Feature) (Operation, bool) {
	switch feature {
	case pricing.FeaturePosts:
		return OpCreatePost, true
	case pricing.FeatureAIImages:
		return OpGenerateImage, true
	case pricing.FeatureAIVideos:
		return OpGenerateVideo, true
	}
	return "", false
}

var skipPrefixes = []string{"/billing", "/admin", "/auth", "/webhooks", "/health", "/metrics"}

type pattern struct {
	re      *regexp.Regexp
	op      Operation
	methods []string
}

// patterns are checked in order; video before image so that
// "/copilot/video" is not caught by the generic copilot rule
var patterns = []pattern{
	{re: regexp.MustCompile(`(?i)/(ai|copilot)(/.*)?/video|/video(/.*)?/generate`), op: OpGenerateVideo, methods: []string{http.MethodPost}},
	{re: regexp.MustCompile(`(?i)/(ai|copilot)(/.*)?/image|/image(/.*)?/generate|/copilot(/|$)`), op: OpGenerateImage, methods: []string{http.MethodPost}},
	{re: regexp.MustCompile(`(?i)/posts(/|$)`), op: OpCreatePost, methods: []string{http.MethodPost, http.MethodPut}},
	{re: regexp.MustCompile(`(?i)/publish(/|$)`), op: OpCreatePost, methods: []string{http.MethodPost}},
}

// Classify maps a request to a metered operation. Reads and unmatched
// paths report false and are never checked.
func Classify(method, path string) (Operation, bool) {
	method = strings.ToUpper(method)
	if method != http.MethodPost && method != http.MethodPut {
		return "", false
	}
	lower := strings.ToLower(path)
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}
	for _, p := range patterns {
		if !p.re.MatchString(path) {
			continue
		}
		for _, m := range p.methods {
			if m == method {
				return p.op, true
			}
		}
	}
	return "", false
}
