package common

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	NA       = "N/A"
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

// DateLayout is the storage format of calendar dates (punch_date, leave_date).
const DateLayout = "2006-01-02"

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

func node() *snowflake.Node {
	idNodeOnce.Do(func() {
		r := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
		n, err := snowflake.NewNode(r.Int63n(1024))
		if err != nil {
			panic(err)
		}
		idNode = n
	})
	return idNode
}

// UUIDint64 returns a new time ordered int64 id.
func UUIDint64() int64 {
	return node().Generate().Int64()
}

// IfEmptyStr returns defval when src is blank.
func IfEmptyStr(src string, defval string) string {
	if strings.TrimSpace(src) == "" {
		return defval
	}
	return src
}

func InSlice(v string, sets []string) bool {
	for _, s := range sets {
		if s == v {
			return true
		}
	}
	return false
}
