package macros

import (
	"testing"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/stretchr/testify/require"
)

func TestResolveMacros_DottedHostField(t *testing.T) {
	host := checkable.NewHost("webserver1")
	host.Host.Addresses = []string{"192.168.1.100"}

	resolvers := []Resolver{{Prefix: "host", Object: host}}
	got, err := ResolveMacros("check $host.name$ at $host.host.addresses$", resolvers, nil, nil, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, "check webserver1 at 192.168.1.100", got)
}

func TestResolveMacros_ArgAndUserMacros(t *testing.T) {
	resolvers := []Resolver{ArgResolver([]string{"20%", "10%", "/"}, []string{"/usr/local/nagios/libexec"})}
	got, err := ResolveMacros("$USER1$/check_disk -w $ARG1$ -c $ARG2$ -p $ARG3$", resolvers, nil, nil, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/nagios/libexec/check_disk -w 20% -c 10% -p /", got)
}

func TestResolveMacros_DollarEscape(t *testing.T) {
	got, err := ResolveMacros("echo $$ money $$", nil, nil, nil, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, "echo $ money $", got)
}

func TestResolveMacros_MissingRecordsAndResolvesEmpty(t *testing.T) {
	missing := map[string]bool{}
	got, err := ResolveMacros("$NONEXISTENT$", nil, nil, missing, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, "", got)
	require.True(t, missing["NONEXISTENT"])
}

func TestResolveMacros_UnmatchedDollarFails(t *testing.T) {
	_, err := ResolveMacros("echo $HOSTNAME", nil, nil, nil, nil, nil, false)
	require.Error(t, err)
	var syn *MacroSyntaxError
	require.ErrorAs(t, err, &syn)
}

func TestResolveMacros_CustomVarsMap(t *testing.T) {
	host := checkable.NewHost("h1")
	resolvers := []Resolver{
		{Prefix: "host", Object: host},
		{Prefix: "vars", Object: map[string]string{"SNMP_COMMUNITY": "public"}},
	}
	got, err := ResolveMacros("check_snmp -C $vars.SNMP_COMMUNITY$", resolvers, nil, nil, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, "check_snmp -C public", got)
}

func TestResolveMacros_ArrayValueJoined(t *testing.T) {
	resolvers := []Resolver{{Prefix: "host", Object: map[string]any{"groups": []string{"web", "prod"}}}}
	got, err := ResolveMacros("$host.groups$", resolvers, nil, nil, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, "web;prod", got)
}

func TestResolveMacros_FunctionMacro(t *testing.T) {
	calls := 0
	resolvers := []Resolver{{Prefix: "", Object: MacroFunc(func(_ []Resolver, _ *checkable.CheckResult) (any, error) {
		calls++
		return "computed", nil
	})}}
	got, err := ResolveMacros("$TIMET$", resolvers, nil, nil, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, "computed", got)
	require.Equal(t, 1, calls)
}

func TestResolveMacros_Cache(t *testing.T) {
	calls := 0
	resolvers := []Resolver{{Prefix: "", Object: MacroFunc(func(_ []Resolver, _ *checkable.CheckResult) (any, error) {
		calls++
		return "once", nil
	})}}
	cache := map[string]string{}
	_, err := ResolveMacros("$X$ $X$", resolvers, nil, nil, nil, cache, true)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestResolveMacros_EscapeFn(t *testing.T) {
	host := checkable.NewHost("h1")
	resolvers := []Resolver{{Prefix: "host", Object: host}}
	got, err := ResolveMacros("$host.name$", resolvers, nil, nil, func(s string) string { return "'" + s + "'" }, nil, false)
	require.NoError(t, err)
	require.Equal(t, "'h1'", got)
}

func TestResolveArguments(t *testing.T) {
	resolvers := []Resolver{ArgResolver([]string{"20%"}, nil)}
	args := map[string]ArgumentSpec{
		"-w": {Value: "$ARG1$", Order: 1},
		"-v": {SetIf: "$ARG2$", Order: 2},
	}
	argv, err := ResolveArguments("/usr/lib/nagios/plugins/check_disk", args, resolvers, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"/usr/lib/nagios/plugins/check_disk", "-w", "20%"}, argv)
}

func TestResolveArguments_SkipKeyAndOrder(t *testing.T) {
	resolvers := []Resolver{ArgResolver([]string{"/"}, nil)}
	args := map[string]ArgumentSpec{
		"path": {Value: "$ARG1$", SkipKey: true, Order: 2},
		"-r":   {Order: 1},
	}
	argv, err := ResolveArguments("check_disk", args, resolvers, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"check_disk", "-r", "/"}, argv)
}

func TestResolveArguments_RequiredMissingFails(t *testing.T) {
	args := map[string]ArgumentSpec{
		"-w": {Value: "$ARG1$", Required: true},
	}
	_, err := ResolveArguments("check_disk", args, nil, nil)
	require.Error(t, err)
}

func TestSplitCommandArgs(t *testing.T) {
	name, args := SplitCommandArgs("check_nrpe!check_disk!20%!10%")
	require.Equal(t, "check_nrpe", name)
	require.Equal(t, []string{"check_disk", "20%", "10%"}, args)

	name, args = SplitCommandArgs("check_ping")
	require.Equal(t, "check_ping", name)
	require.Nil(t, args)
}
