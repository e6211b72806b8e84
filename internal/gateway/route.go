package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// paramKind はパスパラメータの型。
type paramKind int

const (
	// paramAny は空でない任意のセグメントに一致する。
	paramAny paramKind = iota
	// paramInt は符号付き10進整数のセグメントにのみ一致する。
	paramInt
)

// paramNamePattern はパスパラメータ名の形式。
var paramNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// placeholderPattern はパステンプレート中のプレースホルダ。
var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// supportedMethods はルートに指定できるHTTPメソッド。
var supportedMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {}, "OPTIONS": {},
}

// Upstream は転送先のサービス。
type Upstream struct {
	// Scheme は http または https。空の場合は http。
	Scheme string
	// Host は転送先のホスト名。
	Host string
	// Port は転送先のポート番号。
	Port int
	// PathTemplate は転送先のパス。{name} はパスパラメータで置換される。
	PathTemplate string
}

// Route はゲートウェイのルート定義。
type Route struct {
	// Name はログとメトリクスに使うルート名。空の場合は "METHOD パターン"。
	Name string
	// Method はHTTPメソッド。
	Method string
	// Pattern はパスパターン。末尾に1つだけ {name} または {name:int} を置ける。
	Pattern string
	// Upstream は転送先。
	Upstream Upstream
	// RequiresAuth はBearerトークンが必要かを表す。
	RequiresAuth bool
	// RequiredScope はトークンに必要なスコープ。RequiresAuthがtrueの場合は必須。
	RequiredScope string
	// Timeout は転送のタイムアウト。0の場合はForwarderのデフォルト値。
	Timeout time.Duration
}

// param はパターン末尾のパスパラメータ。
type param struct {
	name string
	kind paramKind
}

// compiledRoute は読み込み時に解析済みのルート。
type compiledRoute struct {
	route    Route
	literals []string
	param    *param
}

// RouteTable は検証済みのルート表。生成後は読み取り専用。
type RouteTable struct {
	routes []compiledRoute
}

// Match はルートの照合結果。
type Match struct {
	// Route は一致したルート。
	Route Route
	// Params はパスパラメータの値（デコード済み）。
	Params map[string]string
}

// NewRouteTable はルート定義を検証してルート表を生成する。
// 不正なパターン、スコープの無い認証必須ルート、未知のパラメータを参照するテンプレート、
// 同じメソッドで重なり合うパターンはエラーになる。
func NewRouteTable(routes []Route) (*RouteTable, error) {
	t := &RouteTable{routes: make([]compiledRoute, 0, len(routes))}
	for i, r := range routes {
		cr, err := compileRoute(r)
		if err != nil {
			return nil, fmt.Errorf("ルート[%d] %s %s: %w", i, r.Method, r.Pattern, err)
		}
		for _, existing := range t.routes {
			if existing.route.Method == cr.route.Method && overlaps(existing, cr) {
				return nil, fmt.Errorf("ルート[%d] %s %s: %s と重なっています",
					i, r.Method, r.Pattern, existing.route.Pattern)
			}
		}
		t.routes = append(t.routes, cr)
	}
	return t, nil
}

func compileRoute(r Route) (compiledRoute, error) {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if _, ok := supportedMethods[r.Method]; !ok {
		return compiledRoute{}, fmt.Errorf("未対応のメソッドです: %q", r.Method)
	}

	literals, p, err := parsePattern(r.Pattern)
	if err != nil {
		return compiledRoute{}, err
	}

	if r.RequiresAuth && r.RequiredScope == "" {
		return compiledRoute{}, errors.New("認証が必要なルートにはスコープが必要です")
	}
	if !r.RequiresAuth && r.RequiredScope != "" {
		return compiledRoute{}, errors.New("認証不要のルートにスコープは指定できません")
	}
	if r.Timeout < 0 {
		return compiledRoute{}, errors.New("タイムアウトは0以上である必要があります")
	}

	if err := validateUpstream(&r.Upstream, p); err != nil {
		return compiledRoute{}, err
	}

	if r.Name == "" {
		r.Name = r.Method + " " + r.Pattern
	}
	return compiledRoute{route: r, literals: literals, param: p}, nil
}

// parsePattern はパスパターンをリテラルセグメントと末尾のパラメータに分解する。
func parsePattern(pattern string) ([]string, *param, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, nil, fmt.Errorf("パターンは / で始まる必要があります: %q", pattern)
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(pattern, "/"), "/")
	if trimmed == "" {
		return nil, nil, nil
	}

	segments := strings.Split(trimmed, "/")
	literals := make([]string, 0, len(segments))
	var p *param
	for i, seg := range segments {
		if seg == "" {
			return nil, nil, fmt.Errorf("空のセグメントがあります: %q", pattern)
		}
		if !strings.ContainsAny(seg, "{}") {
			literals = append(literals, seg)
			continue
		}
		if i != len(segments)-1 {
			return nil, nil, fmt.Errorf("パラメータは末尾のセグメントにのみ置けます: %q", pattern)
		}
		parsed, err := parseParam(seg)
		if err != nil {
			return nil, nil, err
		}
		p = parsed
	}
	return literals, p, nil
}

func parseParam(seg string) (*param, error) {
	if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
		return nil, fmt.Errorf("パラメータの形式が不正です: %q", seg)
	}
	name, typ, hasType := strings.Cut(seg[1:len(seg)-1], ":")
	if !paramNamePattern.MatchString(name) {
		return nil, fmt.Errorf("パラメータ名が不正です: %q", seg)
	}

	p := &param{name: name, kind: paramAny}
	if hasType {
		switch typ {
		case "int":
			p.kind = paramInt
		default:
			return nil, fmt.Errorf("未対応のパラメータ型です: %q", typ)
		}
	}
	return p, nil
}

func validateUpstream(u *Upstream, p *param) error {
	switch u.Scheme {
	case "":
		u.Scheme = "http"
	case "http", "https":
	default:
		return fmt.Errorf("未対応のスキームです: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("転送先のホストが指定されていません")
	}
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("転送先のポートが不正です: %d", u.Port)
	}
	if !strings.HasPrefix(u.PathTemplate, "/") {
		return fmt.Errorf("転送先のパスは / で始まる必要があります: %q", u.PathTemplate)
	}

	for _, m := range placeholderPattern.FindAllStringSubmatch(u.PathTemplate, -1) {
		if p == nil || m[1] != p.name {
			return fmt.Errorf("転送先のパスが未知のパラメータを参照しています: %q", m[0])
		}
	}
	if strings.ContainsAny(placeholderPattern.ReplaceAllString(u.PathTemplate, ""), "{}") {
		return fmt.Errorf("転送先のパスの形式が不正です: %q", u.PathTemplate)
	}
	return nil
}

// overlaps は2つのルートが同じパスに一致しうるかを返す。
func overlaps(a, b compiledRoute) bool {
	if segmentCount(a) != segmentCount(b) {
		return false
	}
	for i := range min(len(a.literals), len(b.literals)) {
		if a.literals[i] != b.literals[i] {
			return false
		}
	}

	switch {
	case a.param == nil && b.param == nil:
		return true
	case a.param != nil && b.param != nil:
		return true
	case a.param != nil:
		return paramAccepts(a.param, b.literals[len(b.literals)-1])
	default:
		return paramAccepts(b.param, a.literals[len(a.literals)-1])
	}
}

func segmentCount(r compiledRoute) int {
	if r.param != nil {
		return len(r.literals) + 1
	}
	return len(r.literals)
}

func paramAccepts(p *param, segment string) bool {
	if segment == "" {
		return false
	}
	if p.kind == paramInt {
		_, err := strconv.ParseInt(segment, 10, 64)
		return err == nil
	}
	return true
}

// Len はルートの数を返す。
func (t *RouteTable) Len() int {
	return len(t.routes)
}

// Routes は正規化済みのルート定義を宣言順に返す。
func (t *RouteTable) Routes() []Route {
	routes := make([]Route, 0, len(t.routes))
	for _, cr := range t.routes {
		routes = append(routes, cr.route)
	}
	return routes
}

// Match はメソッドとパスに一致する最初のルートを返す。
// pathはエスケープされたままのパスを渡す。末尾のスラッシュ1つは無視し、大文字小文字は区別する。
func (t *RouteTable) Match(method, path string) (*Match, bool) {
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	trimmed := strings.TrimPrefix(path, "/")
	var segments []string
	if trimmed != "" {
		segments = strings.Split(trimmed, "/")
	}

	for _, cr := range t.routes {
		if cr.route.Method != method || segmentCount(cr) != len(segments) {
			continue
		}
		if params, ok := cr.match(segments); ok {
			return &Match{Route: cr.route, Params: params}, true
		}
	}
	return nil, false
}

func (cr compiledRoute) match(segments []string) (map[string]string, bool) {
	for i, lit := range cr.literals {
		if segments[i] != lit {
			return nil, false
		}
	}
	if cr.param == nil {
		return nil, true
	}

	value, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil || !paramAccepts(cr.param, value) {
		return nil, false
	}
	return map[string]string{cr.param.name: value}, true
}

// UpstreamURL はパラメータを置換した転送先のURLを返す。
func (m *Match) UpstreamURL(rawQuery string) string {
	u := m.Route.Upstream
	path := placeholderPattern.ReplaceAllStringFunc(u.PathTemplate, func(ph string) string {
		return url.PathEscape(m.Params[ph[1:len(ph)-1]])
	})

	target := u.Scheme + "://" + net.JoinHostPort(u.Host, strconv.Itoa(u.Port)) + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}
