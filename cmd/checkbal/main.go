// cmd/checkbal prints the settlement counters persisted in Redis, for
// one peer account or all of them.
//
// Usage:
//
//	go run ./cmd/checkbal/ -redis localhost:6379
//	go run ./cmd/checkbal/ -account alice
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
)

var counters = []string{
	account.CounterPayable,
	account.CounterReceivable,
	account.CounterPayout,
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	accountName := flag.String("account", "", "limit output to one account")
	flag.Parse()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})

	pattern := account.KeyPrefix + "*"
	if *accountName != "" {
		pattern = account.KeyPrefix + *accountName + ":*"
	}

	byAccount := map[string]map[string]string{}
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			os.Exit(1)
		}
		for _, key := range keys {
			parts := strings.Split(key, ":")
			if len(parts) != 3 {
				continue
			}
			val, err := rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			if byAccount[parts[1]] == nil {
				byAccount[parts[1]] = map[string]string{}
			}
			byAccount[parts[1]][parts[2]] = val
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	if len(byAccount) == 0 {
		fmt.Println("no accounts found")
		return
	}

	names := make([]string, 0, len(byAccount))
	for name := range byAccount {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Println(name)
		for _, counter := range counters {
			val := byAccount[name][counter]
			if val == "" {
				val = "0"
			}
			fmt.Printf("  %-11s %s sat\n", counter+":", val)
		}
	}
}
