// Package metrics exports component expvar counters to Prometheus.
package metrics

import (
	"expvar"
	"reflect"
	"strings"
	"unicode"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "dronelink"

var expvarIntType = reflect.TypeOf(expvar.Int{})

// RegisterStat walks stat struct and registers every expvar.Int field,
// nested structs included, as counter dronelink_<subsystem>_<path>_total.
func RegisterStat(reg prometheus.Registerer, subsystem string, stat interface{}) error {
	v := reflect.ValueOf(stat)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errors.NotValidf("code error metrics stat=%T, expected pointer to struct", stat)
	}
	var errs []string
	walk(v.Elem(), "", func(name string, x *expvar.Int) {
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name + "_total",
			Help:      strings.ReplaceAll(name, "_", " ") + " counter",
		}, func() float64 { return float64(x.Value()) })
		if err := reg.Register(c); err != nil {
			errs = append(errs, name+": "+err.Error())
		}
	})
	if len(errs) != 0 {
		return errors.Errorf("metrics register subsystem=%s: %s", subsystem, strings.Join(errs, "; "))
	}
	return nil
}

func walk(v reflect.Value, prefix string, fun func(string, *expvar.Int)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name := prefix + snake(f.Name)
		switch {
		case f.Type == expvarIntType:
			fun(name, v.Field(i).Addr().Interface().(*expvar.Int))
		case f.Type.Kind() == reflect.Struct:
			walk(v.Field(i), name+"_", fun)
		}
	}
}

// MustRegisterGauge panics on duplicate name, for use at startup.
func MustRegisterGauge(reg prometheus.Registerer, subsystem, name, help string, fun func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fun))
}

func snake(s string) string {
	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rs[i-1]) || (i+1 < len(rs) && unicode.IsLower(rs[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func BoolGauge(fun func() bool) func() float64 {
	return func() float64 {
		if fun() {
			return 1
		}
		return 0
	}
}
