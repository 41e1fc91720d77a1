package chervil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goodsign/monday"
)

// valueToTime coerces a template value into a time.Time. Strings go
// through a permissive parser, integers are treated as unix seconds.
func valueToTime(v Value) (time.Time, error) {
	switch t := v.(type) {
	case TimeValue:
		return time.Time(t), nil
	case IntValue:
		return time.Unix(int64(t), 0).UTC(), nil
	case StringValue:
		return parseTimeString(string(t))
	case SafeValue:
		return parseTimeString(string(t))
	}
	return time.Time{}, fmt.Errorf("cannot interpret %s as a datetime", typeName(v))
}

func parseTimeString(s string) (time.Time, error) {
	if strings.EqualFold(strings.TrimSpace(s), "now") {
		return time.Now(), nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse %q as a datetime", s)
	}
	return t, nil
}

// djangoDateFormat renders t using Django's date format characters with
// English names.
func djangoDateFormat(t time.Time, format string) string {
	return djangoDateFormatLocale(t, format, monday.LocaleEnUS)
}

// djangoDateFormatLocale renders t using Django's date format characters.
// A backslash escapes the next character; unknown characters pass through.
// Textual month and weekday names honor the locale.
func djangoDateFormatLocale(t time.Time, format string, loc monday.Locale) string {
	var b strings.Builder
	runes := []rune(format)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '\\' && i+1 < len(runes) {
			b.WriteRune(runes[i+1])
			i++
			continue
		}
		b.WriteString(dateChar(t, c, loc))
	}
	return b.String()
}

func dateChar(t time.Time, c rune, loc monday.Locale) string {
	switch c {
	case 'a':
		if t.Hour() < 12 {
			return "a.m."
		}
		return "p.m."
	case 'A':
		if t.Hour() < 12 {
			return "AM"
		}
		return "PM"
	case 'b':
		return strings.ToLower(monday.Format(t, "Jan", loc))
	case 'c':
		return t.Format("2006-01-02T15:04:05")
	case 'd':
		return fmt.Sprintf("%02d", t.Day())
	case 'D':
		return monday.Format(t, "Mon", loc)
	case 'e':
		name, _ := t.Zone()
		return name
	case 'E', 'F':
		return monday.Format(t, "January", loc)
	case 'f':
		h := t.Hour() % 12
		if h == 0 {
			h = 12
		}
		if t.Minute() == 0 {
			return strconv.Itoa(h)
		}
		return fmt.Sprintf("%d:%02d", h, t.Minute())
	case 'g':
		h := t.Hour() % 12
		if h == 0 {
			h = 12
		}
		return strconv.Itoa(h)
	case 'G':
		return strconv.Itoa(t.Hour())
	case 'h':
		h := t.Hour() % 12
		if h == 0 {
			h = 12
		}
		return fmt.Sprintf("%02d", h)
	case 'H':
		return fmt.Sprintf("%02d", t.Hour())
	case 'i':
		return fmt.Sprintf("%02d", t.Minute())
	case 'j':
		return strconv.Itoa(t.Day())
	case 'l':
		return monday.Format(t, "Monday", loc)
	case 'L':
		y := t.Year()
		if y%4 == 0 && (y%100 != 0 || y%400 == 0) {
			return "True"
		}
		return "False"
	case 'm':
		return fmt.Sprintf("%02d", int(t.Month()))
	case 'M':
		return monday.Format(t, "Jan", loc)
	case 'n':
		return strconv.Itoa(int(t.Month()))
	case 'N':
		return apMonth(t.Month())
	case 'o':
		y, _ := t.ISOWeek()
		return strconv.Itoa(y)
	case 'O':
		return t.Format("-0700")
	case 'P':
		if t.Minute() == 0 && t.Hour() == 0 {
			return "midnight"
		}
		if t.Minute() == 0 && t.Hour() == 12 {
			return "noon"
		}
		return dateChar(t, 'f', loc) + " " + dateChar(t, 'a', loc)
	case 'r':
		return t.Format("Mon, 02 Jan 2006 15:04:05 -0700")
	case 's':
		return fmt.Sprintf("%02d", t.Second())
	case 'S':
		return ordinalSuffix(t.Day())
	case 't':
		first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
		return strconv.Itoa(first.AddDate(0, 1, -1).Day())
	case 'T':
		name, _ := t.Zone()
		return name
	case 'u':
		return fmt.Sprintf("%06d", t.Nanosecond()/1000)
	case 'U':
		return strconv.FormatInt(t.Unix(), 10)
	case 'w':
		return strconv.Itoa(int(t.Weekday()))
	case 'W':
		_, w := t.ISOWeek()
		return strconv.Itoa(w)
	case 'y':
		return fmt.Sprintf("%02d", t.Year()%100)
	case 'Y':
		return strconv.Itoa(t.Year())
	case 'z':
		return strconv.Itoa(t.YearDay())
	default:
		return string(c)
	}
}

func ordinalSuffix(day int) string {
	if day >= 11 && day <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// apMonth renders the Associated Press month abbreviation.
func apMonth(m time.Month) string {
	switch m {
	case time.January:
		return "Jan."
	case time.February:
		return "Feb."
	case time.March:
		return "March"
	case time.April:
		return "April"
	case time.May:
		return "May"
	case time.June:
		return "June"
	case time.July:
		return "July"
	case time.August:
		return "Aug."
	case time.September:
		return "Sept."
	case time.October:
		return "Oct."
	case time.November:
		return "Nov."
	default:
		return "Dec."
	}
}

func addDateFilters(m map[string]FilterFunc) {
	m["date"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		t, err := valueToTime(val)
		if err != nil {
			return StringValue(""), nil
		}
		format := argStringValue(args, kwargs, 0, "arg", "N j, Y")
		loc := monday.LocaleEnUS
		if l := argStringValue(args, kwargs, 1, "locale", ""); l != "" {
			loc = monday.Locale(l)
		}
		return StringValue(djangoDateFormatLocale(t, format, loc)), nil
	}
	m["time"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		t, err := valueToTime(val)
		if err != nil {
			return StringValue(""), nil
		}
		format := argStringValue(args, kwargs, 0, "arg", "P")
		return StringValue(djangoDateFormat(t, format)), nil
	}
	m["timesince"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		t, err := valueToTime(val)
		if err != nil {
			return StringValue(""), nil
		}
		ref := time.Now()
		if other, ok := argValue(args, kwargs, 0, "arg"); ok {
			if rt, err := valueToTime(other); err == nil {
				ref = rt
			}
		}
		return StringValue(timesinceString(t, ref)), nil
	}
	m["timeuntil"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		t, err := valueToTime(val)
		if err != nil {
			return StringValue(""), nil
		}
		ref := time.Now()
		if other, ok := argValue(args, kwargs, 0, "arg"); ok {
			if rt, err := valueToTime(other); err == nil {
				ref = rt
			}
		}
		return StringValue(timesinceString(ref, t)), nil
	}
}

type timeChunk struct {
	seconds int64
	name    string
}

var timeChunks = []timeChunk{
	{60 * 60 * 24 * 365, "year"},
	{60 * 60 * 24 * 30, "month"},
	{60 * 60 * 24 * 7, "week"},
	{60 * 60 * 24, "day"},
	{60 * 60, "hour"},
	{60, "minute"},
}

// timesinceString humanizes the gap between two times as the two leading
// adjacent units, e.g. "3 days, 4 hours". Gaps under a minute, and
// negative gaps, render as "0 minutes".
func timesinceString(from, to time.Time) string {
	since := int64(to.Sub(from).Seconds())
	if since < 60 {
		return "0 minutes"
	}
	for i, chunk := range timeChunks {
		count := since / chunk.seconds
		if count == 0 {
			continue
		}
		out := pluralCount(count, chunk.name)
		if i+1 < len(timeChunks) {
			rest := (since - count*chunk.seconds) / timeChunks[i+1].seconds
			if rest != 0 {
				out += ", " + pluralCount(rest, timeChunks[i+1].name)
			}
		}
		return out
	}
	return "0 minutes"
}

func pluralCount(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
