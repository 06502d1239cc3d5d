package auth

import (
	"encoding/json"
	"strings"

	"golang.org/x/net/html"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/types"
)

// summarizeBody turns an error response body into a short single-line description.
// OAuth JSON errors become "code: description"; HTML pages are reduced to their text.
func summarizeBody(body []byte, contentType string) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var oauthErr types.OAuthErrorResponse
	if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
		if oauthErr.ErrorDescription != "" {
			return truncate(oauthErr.Error + ": " + oauthErr.ErrorDescription)
		}
		return truncate(oauthErr.Error)
	}

	if strings.Contains(contentType, "html") || strings.HasPrefix(trimmed, "<") {
		return truncate(extractText(trimmed))
	}
	return truncate(collapseSpaces(trimmed))
}

// extractText returns the visible text of an HTML document.
func extractText(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return collapseSpaces(htmlContent)
	}

	var result strings.Builder
	extractTextNodes(doc, &result)
	return collapseSpaces(result.String())
}

func extractTextNodes(node *html.Node, result *strings.Builder) {
	if node == nil {
		return
	}

	if node.Type == html.ElementNode {
		switch strings.ToLower(node.Data) {
		case "script", "style", "noscript", "head":
			return
		}
	}

	if node.Type == html.TextNode {
		if text := strings.TrimSpace(node.Data); text != "" {
			result.WriteString(text)
			result.WriteString(" ")
		}
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		extractTextNodes(child, result)
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	if len(s) <= constants.MaxErrorSummaryLen {
		return s
	}
	return s[:constants.MaxErrorSummaryLen] + "..."
}
