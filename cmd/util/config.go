package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Bind registers one flag per leaf field of cfg, named after the flag
// tags joined with dashes, and binds each flag to vip under the dotted
// field path. A flag tag of "-" inherits the parent prefix.
func Bind(cfg any, flg *pflag.FlagSet, vip *viper.Viper, fPrefix string, kPrefix string) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		flag := field.Tag.Get("flag")
		desc := field.Tag.Get("desc")
		value := field.Tag.Get("default")

		if flag == "" {
			continue
		}

		var n string
		if fPrefix == "" {
			n = flag
		} else if flag == "-" {
			n = fPrefix
		} else {
			n = fmt.Sprintf("%s-%s", fPrefix, flag)
		}

		var k string
		if kPrefix == "" {
			k = field.Name
		} else {
			k = fmt.Sprintf("%s.%s", kPrefix, field.Name)
		}

		switch field.Type.Kind() {
		case reflect.String:
			flg.String(n, value, desc)
		case reflect.Bool:
			flg.Bool(n, value == "true", desc)
		case reflect.Int:
			v, _ := strconv.Atoi(value)
			flg.Int(n, v, desc)
		case reflect.Int64:
			if field.Type == reflect.TypeOf(time.Duration(0)) {
				v, _ := time.ParseDuration(value)
				flg.Duration(n, v, desc)
			} else {
				v, _ := strconv.ParseInt(value, 10, 64)
				flg.Int64(n, v, desc)
			}
		case reflect.Float64:
			v, _ := strconv.ParseFloat(value, 64)
			flg.Float64(n, v, desc)
		case reflect.Slice:
			if field.Type.Elem().Kind() != reflect.String {
				return fmt.Errorf("unsupported slice type %s", field.Type)
			}
			var v []string
			if value != "" {
				v = strings.Split(value, ",")
			}
			flg.StringSlice(n, v, desc)
		case reflect.Map:
			if field.Type != reflect.TypeOf(map[string]string{}) {
				return fmt.Errorf("unsupported map type %s", field.Type)
			}
			if value == "" {
				value = "{}"
			}
			var v map[string]string
			if err := json.Unmarshal([]byte(value), &v); err != nil {
				return err
			}
			flg.StringToString(n, v, desc)
		case reflect.Struct:
			if err := Bind(v.Field(i).Addr().Interface(), flg, vip, n, k); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("unsupported type %s", field.Type.Kind())
		}

		if err := vip.BindPFlag(k, flg.Lookup(n)); err != nil {
			return err
		}
	}

	return nil
}

// ReadConfig points vip at the file named by the config flag, or at
// outbox.yaml in the working or home directory, and enables OUTBOX_
// prefixed environment overrides.
func ReadConfig(cmd *cobra.Command, vip *viper.Viper) error {
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		vip.SetConfigFile(file)
	} else {
		vip.SetConfigName("outbox")
		vip.AddConfigPath(".")
		vip.AddConfigPath("$HOME")
	}

	vip.SetEnvPrefix("outbox")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()

	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	return nil
}

// Hooks returns the decode hooks used to unmarshal configuration.
func Hooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
