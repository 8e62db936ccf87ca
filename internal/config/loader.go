package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/perfsec/pkg/types"
)

// Loader handles definition loading from multiple sources.
type Loader struct {
	configPath string
	lookupEnv  func(string) (string, bool)
	cmdArgs    map[string]string
}

// NewLoader creates a new definition loader.
func NewLoader() *Loader {
	return &Loader{
		lookupEnv: os.LookupEnv,
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML definition file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnv replaces the environment lookup, mainly for tests.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// WithCmdArgs sets command-line overrides keyed by dotted YAML path,
// e.g. "execution.think_time".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads the definition from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Definition, error) {
	def := DefaultDefinition()

	if l.configPath != "" {
		if err := l.loadFromFile(def); err != nil {
			return nil, fmt.Errorf("从文件加载定义失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(def).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}
	overrideLoadShape(def, func(key string) bool {
		name, ok := loadShapeEnv[key]
		if !ok {
			return false
		}
		v, ok := l.lookupEnv(name)
		return ok && v != ""
	})

	if err := l.applyCmdOverrides(def); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}
	overrideLoadShape(def, func(key string) bool {
		_, ok := l.cmdArgs[key]
		return ok
	})

	return def, nil
}

// loadFromFile loads the definition from a YAML file. Unlike service
// configuration a missing definition file is an error.
func (l *Loader) loadFromFile(def *Definition) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("读取定义文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, def); err != nil {
		return fmt.Errorf("解析定义文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue, ok := l.lookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// applyCmdOverrides applies command-line argument overrides.
func (l *Loader) applyCmdOverrides(def *Definition) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(def, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// loadShapeEnv maps load-shape keys to their environment variables.
var loadShapeEnv = map[string]string{
	"mode":     "PERFSEC_MODE",
	"profile":  "PERFSEC_PROFILE",
	"vus":      "PERFSEC_VUS",
	"duration": "PERFSEC_DURATION",
}

// overrideLoadShape 让较高层来源设置的负载形状生效。ResolvedStages 的顺序是
// stages > profile > vus+duration，所以当某一层只设置了较低的来源时，需要清除
// 下层带来的较高来源；未显式设置 mode 时重新推断。
func overrideLoadShape(def *Definition, set func(key string) bool) {
	switch {
	case set("stages"):
	case set("profile"):
		def.Stages = nil
	case set("vus") || set("duration"):
		def.Stages = nil
		def.Profile = ""
	default:
		return
	}
	if !set("mode") {
		def.Mode = ""
	}
}

// setConfigValue sets a value by dotted YAML path. The stages key takes the
// compact "30s:10,1m:0" form.
func setConfigValue(def *Definition, path, value string) error {
	if path == "stages" {
		stages, err := ParseStages(value)
		if err != nil {
			return err
		}
		def.Stages = stages
		return nil
	}

	parts := strings.Split(path, ".")
	v := reflect.ValueOf(def).Elem()

	for i, part := range parts {
		field, ok := lookupField(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

// lookupField finds a field by its YAML name or Go name, descending into
// inline embedded structs.
func lookupField(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("yaml")
		tagName, opts, _ := strings.Cut(tag, ",")
		if sf.Anonymous && strings.Contains(opts, "inline") {
			if f, ok := lookupField(v.Field(i), name); ok {
				return f, true
			}
			continue
		}
		if tagName == name || strings.EqualFold(sf.Name, strings.ReplaceAll(name, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	case reflect.Map:
		// key=value,key=value
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的 map 类型")
		}
		m := make(map[string]string)
		for _, pair := range strings.Split(value, ",") {
			if k, v, ok := strings.Cut(strings.TrimSpace(pair), "="); ok {
				m[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
		field.Set(reflect.ValueOf(m))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// ParseStages parses the compact stage form "30s:10,1m:20,30s:0".
func ParseStages(s string) (types.StageProfile, error) {
	var out types.StageProfile
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, t, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid stage %q, expected duration:target", part)
		}
		dur, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil {
			return nil, fmt.Errorf("invalid stage %q: %w", part, err)
		}
		target, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("invalid stage %q: %w", part, err)
		}
		out = append(out, types.Stage{Duration: dur, Target: target})
	}
	if len(out) == 0 {
		return nil, types.ErrEmptyProfile
	}
	return out, nil
}

// LoadFromFile loads a definition from a YAML file path.
func LoadFromFile(path string) (*Definition, error) {
	return NewLoader().WithConfigPath(path).Load()
}
