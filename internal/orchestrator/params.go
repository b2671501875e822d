package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/kura/internal/config"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/google/shlex"
)

var bareNumber = regexp.MustCompile(`^\d+$`)

type params map[string]string

func (p params) str(key string) string {
	return strings.TrimSpace(p[key])
}

func (p params) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p params) required(key string) (string, error) {
	v := p.str(key)
	if v == "" {
		return "", kuraErrors.InvalidInput("%s is required", key)
	}
	return v, nil
}

func (p params) boolean(key string, def bool) (bool, error) {
	v := p.str(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, kuraErrors.InvalidInput("%s must be true or false, got %q", key, v)
}

func (p params) float(key string) (float64, error) {
	v := p.str(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, kuraErrors.InvalidInput("%s must be a non-negative number, got %q", key, v)
	}
	return f, nil
}

// size reads a byte size. A bare number is MiB, the unit the sandbox tools take.
func (p params) size(key string) (int64, error) {
	v := p.str(key)
	if v == "" {
		return 0, nil
	}
	if bareNumber.MatchString(v) {
		v += "m"
	}
	n, err := config.ParseSize(v)
	if err != nil {
		return 0, kuraErrors.InvalidInput("%s: %v", key, err)
	}
	return n, nil
}

func (p params) duration(key string, def time.Duration) (time.Duration, error) {
	v := p.str(key)
	if v == "" {
		return def, nil
	}
	if bareNumber.MatchString(v) {
		v += "ms"
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, kuraErrors.InvalidInput("%s must be a duration like 5s, got %q", key, p.str(key))
	}
	return d, nil
}

// argv splits a shell-quoted command string.
func (p params) argv(key string) ([]string, error) {
	v := p.str(key)
	if v == "" {
		return nil, nil
	}
	args, err := shlex.Split(v)
	if err != nil {
		return nil, kuraErrors.InvalidInput("%s: %v", key, err)
	}
	return args, nil
}

// volumes reads host:guest[:ro] entries separated by commas.
func (p params) volumes(key string) ([]sandbox.Volume, error) {
	v := p.str(key)
	if v == "" {
		return nil, nil
	}

	var out []sandbox.Volume
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, kuraErrors.InvalidInput("volume %q must be host:guest[:ro]", entry)
		}
		vol := sandbox.Volume{Host: parts[0], Guest: parts[1]}
		if len(parts) == 3 {
			switch parts[2] {
			case "ro":
				vol.ReadOnly = true
			case "rw":
			default:
				return nil, kuraErrors.InvalidInput("volume %q has unknown mode %q", entry, parts[2])
			}
		}
		out = append(out, vol)
	}
	return out, nil
}

// env reads K=V pairs separated by commas.
func (p params) env(key string) (map[string]string, error) {
	v := p.str(key)
	if v == "" {
		return nil, nil
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, val, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, kuraErrors.InvalidInput("env entry %q must be KEY=VALUE", pair)
		}
		out[strings.TrimSpace(k)] = val
	}
	return out, nil
}

func (p params) resources() (sandbox.ResourceSpec, error) {
	var (
		res sandbox.ResourceSpec
		err error
	)
	if res.MemoryLimit, err = p.size("memory"); err != nil {
		return res, err
	}
	if res.CPULimit, err = p.float("cpus"); err != nil {
		return res, err
	}
	if res.Volumes, err = p.volumes("volumes"); err != nil {
		return res, err
	}
	if res.Env, err = p.env("env"); err != nil {
		return res, err
	}
	if res.Privileged, err = p.boolean("privileged", false); err != nil {
		return res, err
	}
	res.Network = p.str("network")
	return res, nil
}

// rest returns the parameters not named in used.
func (p params) rest(used ...string) map[string]string {
	skip := make(map[string]bool, len(used))
	for _, u := range used {
		skip[u] = true
	}
	out := make(map[string]string)
	for k, v := range p {
		if !skip[k] {
			out[k] = v
		}
	}
	return out
}
