package spider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/models"
)

// Extractor turns a raw list-page response into detail items. Each returned
// item carries a derived "url" entry; the second return value is the flat
// list of those URLs in page order.
type Extractor interface {
	Extract(body []byte, rule models.ListPageRule) ([]map[string]any, []string, error)
}

// JSONPathExtractor walks a dot path into the response JSON to find the item
// array, then derives one detail URL per item from the url_rule. It is the
// only concrete extraction strategy.
type JSONPathExtractor struct{}

func (JSONPathExtractor) Extract(body []byte, rule models.ListPageRule) ([]map[string]any, []string, error) {
	if rule.ListData == "" {
		return nil, nil, common.E(common.KindBadSchema, "empty list_data path")
	}
	if !gjson.ValidBytes(body) {
		return nil, nil, common.E(common.KindProtocol, "response is not valid JSON")
	}

	list := gjson.GetBytes(body, rule.ListData)
	if !list.Exists() {
		return nil, nil, common.E(common.KindBadSchema,
			fmt.Sprintf("path %q not present in response", rule.ListData))
	}
	if !list.IsArray() {
		return nil, nil, common.E(common.KindBadSchema,
			fmt.Sprintf("path %q is not an array", rule.ListData))
	}

	elems := list.Array()
	items := make([]map[string]any, 0, len(elems))
	urls := make([]string, 0, len(elems))
	for _, elem := range elems {
		item, ok := elem.Value().(map[string]any)
		if !ok {
			return nil, nil, common.E(common.KindBadSchema,
				fmt.Sprintf("element under %q is not an object", rule.ListData))
		}

		u := deriveURL(elem, rule.URLRule)
		item["url"] = u
		items = append(items, item)
		urls = append(urls, u)
	}
	return items, urls, nil
}

// deriveURL builds the detail URL for one list item. An empty url_rule
// postdata means a GET with query pairs from params; otherwise the detail
// request is a POST against url_path and the URL is just that path.
func deriveURL(item gjson.Result, rule models.URLRule) string {
	if len(rule.Postdata) > 0 {
		return rule.URLPath
	}
	if len(rule.Params) == 0 {
		return rule.URLPath
	}

	itemKeys := make([]string, 0, len(rule.Params))
	for k := range rule.Params {
		itemKeys = append(itemKeys, k)
	}
	sort.Strings(itemKeys)

	pairs := make([]string, 0, len(itemKeys))
	for _, itemKey := range itemKeys {
		queryKey := rule.Params[itemKey]
		pairs = append(pairs, queryKey+"="+item.Get(itemKey).String())
	}
	return rule.URLPath + "?" + strings.Join(pairs, "&")
}

// DetailBody builds the POST body for one item under a postdata url_rule.
// Returns nil when the rule has no postdata mapping.
func DetailBody(item map[string]any, rule models.URLRule) map[string]string {
	if len(rule.Postdata) == 0 {
		return nil
	}
	body := make(map[string]string, len(rule.Postdata))
	for itemKey, bodyKey := range rule.Postdata {
		if v, ok := item[itemKey]; ok {
			body[bodyKey] = fmt.Sprint(v)
		}
	}
	return body
}
