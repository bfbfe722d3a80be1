package index

import (
	"database/sql"
	"regexp"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// driverName is go-sqlite3 with a REGEXP implementation attached to every
// connection. SQLite rewrites `x REGEXP y` to regexp(y, x).
const driverName = "sqlite3_opencode_trace"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

const maxCachedPatterns = 64

var patterns = struct {
	sync.Mutex
	byText map[string]*regexp.Regexp
}{byText: make(map[string]*regexp.Regexp)}

// compilePattern compiles case-insensitively and caches by source text.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	patterns.Lock()
	defer patterns.Unlock()
	if re, ok := patterns.byText[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	if len(patterns.byText) >= maxCachedPatterns {
		patterns.byText = make(map[string]*regexp.Regexp)
	}
	patterns.byText[pattern] = re
	return re, nil
}

// regexpMatch treats an invalid pattern as matching nothing.
func regexpMatch(pattern, s string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
