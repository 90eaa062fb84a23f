package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type RedisCountersConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
	// QuotaTTL bounds how long a (user, day) hash lives after its last
	// increment. Must exceed one day so an open UTC day never expires.
	QuotaTTL time.Duration
}

// RedisCounters implements Counters on a shared Redis so replicated
// gateways agree on every limit check. Each conditional operation is
// one EVAL round trip; the script reads, checks and bumps in a single
// step, which is what keeps the check-and-increment atomic.
type RedisCounters struct {
	cfg RedisCountersConfig
}

func NewRedisCounters(cfg RedisCountersConfig) *RedisCounters {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "apflow:admission"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.QuotaTTL <= 0 {
		cfg.QuotaTTL = 72 * time.Hour
	}
	return &RedisCounters{cfg: cfg}
}

func (r *RedisCounters) quotaKey(userID, day string) string {
	return r.cfg.KeyPrefix + ":quota:" + userID + ":" + day
}
func (r *RedisCounters) globalKey() string { return r.cfg.KeyPrefix + ":slots:global" }
func (r *RedisCounters) usersKey() string  { return r.cfg.KeyPrefix + ":slots:users" }

const quotaIncrScript = `local total = tonumber(redis.call('HGET', KEYS[1], 'total')) or 0
local llm = tonumber(redis.call('HGET', KEYS[1], 'llm')) or 0
local isLLM = ARGV[1] == '1'
if total >= tonumber(ARGV[2]) then return {total, llm, 0} end
if isLLM and llm >= tonumber(ARGV[3]) then return {total, llm, 0} end
total = total + 1
redis.call('HSET', KEYS[1], 'total', total)
if isLLM then
  llm = llm + 1
  redis.call('HSET', KEYS[1], 'llm', llm)
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {total, llm, 1}`

const claimScript = `local g = tonumber(redis.call('GET', KEYS[1])) or 0
local u = tonumber(redis.call('HGET', KEYS[2], ARGV[3])) or 0
if g >= tonumber(ARGV[1]) or u >= tonumber(ARGV[2]) then return 0 end
redis.call('INCR', KEYS[1])
redis.call('HINCRBY', KEYS[2], ARGV[3], 1)
return 1`

const releaseScript = `local g = tonumber(redis.call('GET', KEYS[1])) or 0
if g > 0 then redis.call('DECR', KEYS[1]) end
local u = tonumber(redis.call('HGET', KEYS[2], ARGV[1])) or 0
if u > 1 then
  redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
elseif u == 1 then
  redis.call('HDEL', KEYS[2], ARGV[1])
end
return 1`

func (r *RedisCounters) TryIncrementQuota(ctx context.Context, userID, day string, llm bool, limits QuotaLimits) (QuotaCounts, bool, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return QuotaCounts{}, false, err
	}
	defer conn.Close()

	llmArg := "0"
	if llm {
		llmArg = "1"
	}
	ttl := strconv.Itoa(int(r.cfg.QuotaTTL / time.Second))
	if err := writeRESP(rw, "EVAL", quotaIncrScript, "1", r.quotaKey(userID, day),
		llmArg, strconv.Itoa(limits.Total), strconv.Itoa(limits.LLM), ttl); err != nil {
		return QuotaCounts{}, false, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return QuotaCounts{}, false, err
	}
	arr, err := toStringArray(resp)
	if err != nil {
		return QuotaCounts{}, false, err
	}
	if len(arr) != 3 {
		return QuotaCounts{}, false, fmt.Errorf("unexpected quota script reply length %d", len(arr))
	}
	total, err := strconv.Atoi(arr[0])
	if err != nil {
		return QuotaCounts{}, false, err
	}
	llmCount, err := strconv.Atoi(arr[1])
	if err != nil {
		return QuotaCounts{}, false, err
	}
	return QuotaCounts{Total: total, LLM: llmCount}, arr[2] == "1", nil
}

func (r *RedisCounters) GetQuotaCounts(ctx context.Context, userID, day string) (QuotaCounts, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return QuotaCounts{}, err
	}
	defer conn.Close()
	if err := writeRESP(rw, "HMGET", r.quotaKey(userID, day), "total", "llm"); err != nil {
		return QuotaCounts{}, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return QuotaCounts{}, err
	}
	arr, err := toStringArray(resp)
	if err != nil {
		return QuotaCounts{}, err
	}
	if len(arr) != 2 {
		return QuotaCounts{}, fmt.Errorf("unexpected HMGET reply length %d", len(arr))
	}
	var counts QuotaCounts
	if arr[0] != "" {
		if counts.Total, err = strconv.Atoi(arr[0]); err != nil {
			return QuotaCounts{}, err
		}
	}
	if arr[1] != "" {
		if counts.LLM, err = strconv.Atoi(arr[1]); err != nil {
			return QuotaCounts{}, err
		}
	}
	return counts, nil
}

func (r *RedisCounters) TryClaimSlots(ctx context.Context, userID string, maxGlobal, maxPerUser int) (bool, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if err := writeRESP(rw, "EVAL", claimScript, "2", r.globalKey(), r.usersKey(),
		strconv.Itoa(maxGlobal), strconv.Itoa(maxPerUser), userID); err != nil {
		return false, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return false, err
	}
	n, err := atoiRESP(resp)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisCounters) ReleaseSlots(ctx context.Context, userID string) error {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := writeRESP(rw, "EVAL", releaseScript, "2", r.globalKey(), r.usersKey(), userID); err != nil {
		return err
	}
	_, err = readRESP(rw)
	return err
}

func (r *RedisCounters) ConcurrencySnapshot(ctx context.Context, userID string) (ConcurrencyCounts, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return ConcurrencyCounts{}, err
	}
	defer conn.Close()

	var counts ConcurrencyCounts
	if err := writeRESP(rw, "GET", r.globalKey()); err != nil {
		return ConcurrencyCounts{}, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return ConcurrencyCounts{}, err
	}
	if counts.Global, err = atoiRESP(resp); err != nil {
		return ConcurrencyCounts{}, err
	}

	if err := writeRESP(rw, "HGET", r.usersKey(), userID); err != nil {
		return ConcurrencyCounts{}, err
	}
	resp, err = readRESP(rw)
	if err != nil {
		return ConcurrencyCounts{}, err
	}
	if counts.User, err = atoiRESP(resp); err != nil {
		return ConcurrencyCounts{}, err
	}
	return counts, nil
}

func (r *RedisCounters) CountActiveUsers(ctx context.Context) (int, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := writeRESP(rw, "HLEN", r.usersKey()); err != nil {
		return 0, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return 0, err
	}
	return atoiRESP(resp)
}

func (r *RedisCounters) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if r.cfg.Password != "" {
		if err := writeRESP(rw, "AUTH", r.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if r.cfg.DB > 0 {
		if err := writeRESP(rw, "SELECT", strconv.Itoa(r.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

func toStringArray(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]string)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	return arr, nil
}

func atoiRESP(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected redis integer response type")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
