package backtest

import (
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// dataValue is the `data` argument of handle_data: a dict-like view over
// the current bar of every security, keyed by code.
type dataValue struct {
	sb *Sandbox
}

func (d *dataValue) String() string        { return "<data>" }
func (d *dataValue) Type() string          { return "data" }
func (d *dataValue) Freeze()               {}
func (d *dataValue) Truth() starlark.Bool  { return starlark.True }
func (d *dataValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: data") }
func (d *dataValue) Len() int              { return len(d.sb.cursor.Securities()) }

func (d *dataValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	s, ok := k.(starlark.String)
	if !ok {
		return nil, false, fmt.Errorf("data is keyed by security code")
	}
	bar, ok := d.sb.cursor.Current(string(s))
	if !ok {
		return nil, false, nil
	}
	return &securityData{sb: d.sb, security: string(s), bar: bar}, true, nil
}

func (d *dataValue) Iterate() starlark.Iterator {
	secs := d.sb.cursor.Securities()
	elems := make([]starlark.Value, len(secs))
	for i, s := range secs {
		elems[i] = starlark.String(s)
	}
	return starlark.NewList(elems).Iterate()
}

// securityData is one security's current-bar snapshot plus rolling
// helpers over completed bars.
type securityData struct {
	sb       *Sandbox
	security string
	bar      Bar
}

func (s *securityData) String() string        { return fmt.Sprintf("<data %s>", s.security) }
func (s *securityData) Type() string          { return "security_data" }
func (s *securityData) Freeze()               {}
func (s *securityData) Truth() starlark.Bool  { return starlark.True }
func (s *securityData) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: security_data") }

func (s *securityData) Attr(name string) (starlark.Value, error) {
	switch name {
	case "open":
		return starlark.Float(s.bar.Open), nil
	case "high":
		return starlark.Float(s.bar.High), nil
	case "low":
		return starlark.Float(s.bar.Low), nil
	case "close", "price", "last_price":
		return starlark.Float(s.bar.Close), nil
	case "volume":
		return starlark.MakeInt64(s.bar.Volume), nil
	case "money":
		return starlark.Float(s.bar.Money), nil
	case "paused":
		return starlark.Bool(s.bar.Paused), nil
	case "pre_close":
		return starlark.Float(s.bar.PrevClose), nil
	case "mavg":
		return starlark.NewBuiltin("mavg", s.builtinMavg), nil
	case "vwap":
		return starlark.NewBuiltin("vwap", s.builtinVwap), nil
	}
	return nil, nil
}

func (s *securityData) AttrNames() []string {
	return []string{"close", "high", "last_price", "low", "mavg", "money", "open", "paused", "pre_close", "price", "volume", "vwap"}
}

// mavg(n, field="close") averages the last n completed bars.
func (s *securityData) builtinMavg(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var n int
	field := "close"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "days", &n, "field?", &field); err != nil {
		return nil, err
	}
	bars := s.sb.cursor.History(s.security, n)
	if len(bars) == 0 {
		return starlark.None, nil
	}
	sum := 0.0
	for _, bar := range bars {
		v, err := barField(bar, field)
		if err != nil {
			return nil, err
		}
		sum += v
	}
	return starlark.Float(sum / float64(len(bars))), nil
}

// vwap(n) is the volume-weighted average price of the last n completed bars.
func (s *securityData) builtinVwap(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var n int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "days", &n); err != nil {
		return nil, err
	}
	bars := s.sb.cursor.History(s.security, n)
	var money, volume float64
	for _, bar := range bars {
		if bar.Money > 0 {
			money += bar.Money
		} else {
			money += bar.Close * float64(bar.Volume)
		}
		volume += float64(bar.Volume)
	}
	if volume <= 0 {
		return starlark.None, nil
	}
	return starlark.Float(money / volume), nil
}

func barField(bar Bar, field string) (float64, error) {
	switch field {
	case "open":
		return bar.Open, nil
	case "high":
		return bar.High, nil
	case "low":
		return bar.Low, nil
	case "close", "price":
		return bar.Close, nil
	case "volume":
		return float64(bar.Volume), nil
	case "money":
		return bar.Money, nil
	case "pre_close":
		return bar.PrevClose, nil
	}
	return 0, fmt.Errorf("unknown field %q", field)
}

// history(count, unit="1d", field="close", security_list=None) returns
// {security: [values]} over the last count completed bars. Lookahead is
// structurally impossible: the cursor never serves the current bar here.
func (sb *Sandbox) builtinHistory(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var count int
	unit := "1d"
	field := "close"
	var securityList *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"count", &count, "unit?", &unit, "field?", &field, "security_list?", &securityList,
	); err != nil {
		return nil, err
	}
	if sb.cursor == nil {
		return nil, fmt.Errorf("%s: market data is not available in initialize", b.Name())
	}
	var secs []string
	if securityList != nil {
		it := securityList.Iterate()
		defer it.Done()
		var e starlark.Value
		for it.Next(&e) {
			if s, ok := e.(starlark.String); ok {
				secs = append(secs, string(s))
			}
		}
	} else {
		secs = sb.ctx.Universe()
		if len(secs) == 0 {
			secs = sb.cursor.Securities()
		}
	}

	out := starlark.NewDict(len(secs))
	for _, sec := range secs {
		bars := sb.cursor.History(sec, count)
		elems := make([]starlark.Value, len(bars))
		for i, bar := range bars {
			v, err := barField(bar, field)
			if err != nil {
				return nil, err
			}
			elems[i] = starlark.Float(v)
		}
		if err := out.SetKey(starlark.String(sec), starlark.NewList(elems)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// attribute_history(security, count, unit="1d", fields=[...]) returns
// {field: [values]} for one security over the last count completed bars.
func (sb *Sandbox) builtinAttributeHistory(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var security string
	var count int
	unit := "1d"
	var fieldList *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"security", &security, "count", &count, "unit?", &unit, "fields?", &fieldList,
	); err != nil {
		return nil, err
	}
	if sb.cursor == nil {
		return nil, fmt.Errorf("%s: market data is not available in initialize", b.Name())
	}
	fields := []string{"open", "close", "high", "low", "volume", "money"}
	if fieldList != nil {
		fields = fields[:0]
		it := fieldList.Iterate()
		defer it.Done()
		var e starlark.Value
		for it.Next(&e) {
			s, ok := e.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%s: fields must be strings", b.Name())
			}
			fields = append(fields, string(s))
		}
	}

	bars := sb.cursor.History(security, count)
	return barsToDict(bars, fields)
}

// get_price(security, start_date=..., end_date=..., fields=...) returns
// {field: [values]} for the completed bars inside the date range.
func (sb *Sandbox) builtinGetPrice(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var security, startDate, endDate string
	frequency := "daily"
	var fieldList *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"security", &security, "start_date?", &startDate, "end_date?", &endDate,
		"frequency?", &frequency, "fields?", &fieldList,
	); err != nil {
		return nil, err
	}
	if sb.cursor == nil {
		return nil, fmt.Errorf("%s: market data is not available in initialize", b.Name())
	}

	start := time.Time{}
	end := sb.ctx.CurrentDT
	if startDate != "" {
		t, err := time.ParseInLocation("2006-01-02", startDate, end.Location())
		if err != nil {
			return nil, fmt.Errorf("%s: bad start_date %q", b.Name(), startDate)
		}
		start = t
	}
	if endDate != "" {
		t, err := time.ParseInLocation("2006-01-02", endDate, end.Location())
		if err != nil {
			return nil, fmt.Errorf("%s: bad end_date %q", b.Name(), endDate)
		}
		t = t.Add(24*time.Hour - time.Second)
		if t.Before(end) {
			end = t
		}
	}

	fields := []string{"open", "close", "high", "low", "volume", "money"}
	if fieldList != nil {
		fields = fields[:0]
		it := fieldList.Iterate()
		defer it.Done()
		var e starlark.Value
		for it.Next(&e) {
			s, ok := e.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%s: fields must be strings", b.Name())
			}
			fields = append(fields, string(s))
		}
	}

	bars := sb.cursor.Range(security, start, end)
	return barsToDict(bars, fields)
}

func barsToDict(bars []Bar, fields []string) (starlark.Value, error) {
	out := starlark.NewDict(len(fields) + 1)
	dates := make([]starlark.Value, len(bars))
	for i, bar := range bars {
		dates[i] = starlark.String(bar.Time.Format("2006-01-02"))
	}
	if err := out.SetKey(starlark.String("date"), starlark.NewList(dates)); err != nil {
		return nil, err
	}
	for _, f := range fields {
		elems := make([]starlark.Value, len(bars))
		for i, bar := range bars {
			v, err := barField(bar, f)
			if err != nil {
				return nil, err
			}
			elems[i] = starlark.Float(v)
		}
		if err := out.SetKey(starlark.String(f), starlark.NewList(elems)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
