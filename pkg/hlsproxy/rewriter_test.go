package hlsproxy

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRewriter(t *testing.T, origin string) *Rewriter {
	t.Helper()

	wrapper, err := NewWrapper("", "/proxy")
	require.NoError(t, err)

	return NewRewriter(origin, wrapper, nil)
}

func wrapped(abs string) string {
	return "/proxy?url=" + url.QueryEscape(abs)
}

func TestRewrite(t *testing.T) {
	type args struct {
		input string
		base  string
	}
	tests := []struct {
		name string
		args args
		want string
	}{
		{
			name: "key, relative and absolute segment",
			args: args{
				input: "#EXTM3U\n" +
					"#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key\"\n" +
					"seg0.ts\n" +
					"https://cdn.example/x/seg1.ts\n",
				base: "https://cdn.example/a/",
			},
			want: "#EXTM3U\n" +
				"#EXT-X-KEY:METHOD=AES-128,URI=\"" + wrapped("https://cdn.example/a/enc.key") + "\"\n" +
				wrapped("https://cdn.example/a/seg0.ts") + "\n" +
				wrapped("https://cdn.example/x/seg1.ts") + "\n",
		},
		{
			name: "multivariant: absolute URL",
			args: args{
				input: `#EXTM3U
					#EXT-X-VERSION:3
					#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=1280x720
					http://example.com/720p.m3u8
					#EXT-X-STREAM-INF:BANDWIDTH=250000,RESOLUTION=640x360
					http://example.com/360p.m3u8?streamer=456
				`,
				base: "http://example.com/",
			},
			want: `#EXTM3U
					#EXT-X-VERSION:3
					#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=1280x720
					` + wrapped("http://example.com/720p.m3u8") + `
					#EXT-X-STREAM-INF:BANDWIDTH=250000,RESOLUTION=640x360
					` + wrapped("http://example.com/360p.m3u8?streamer=456") + `
				`,
		},
		{
			name: "multivariant: root-relative URL resolves against origin",
			args: args{
				input: "#EXTM3U\n" +
					"#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=1280x720\n" +
					"/playlist/1?type=video&rendition=720p&token=abc\n",
				base: "https://cdn.example/a/",
			},
			want: "#EXTM3U\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=1280x720\n" +
				wrapped("https://origin.example/playlist/1?type=video&rendition=720p&token=abc") + "\n",
		},
		{
			name: "media renditions and map",
			args: args{
				input: "#EXTM3U\n" +
					"#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"aud\",NAME=\"Italian\",URI=\"audio/ita.m3u8\"\n" +
					"#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID=\"sub\",NAME=\"English\",URI=\"//subs.example/eng.m3u8\"\n" +
					"#EXT-X-MAP:URI=\"init.mp4\",BYTERANGE=\"720@0\"\n",
				base: "https://cdn.example/a/",
			},
			want: "#EXTM3U\n" +
				"#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"aud\",NAME=\"Italian\",URI=\"" + wrapped("https://cdn.example/a/audio/ita.m3u8") + "\"\n" +
				"#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID=\"sub\",NAME=\"English\",URI=\"" + wrapped("https://subs.example/eng.m3u8") + "\"\n" +
				"#EXT-X-MAP:URI=\"" + wrapped("https://cdn.example/a/init.mp4") + "\",BYTERANGE=\"720@0\"\n",
		},
		{
			name: "segment without extension after EXTINF",
			args: args{
				input: "#EXTM3U\n#EXTINF:4.0,\n#EXT-X-BYTERANGE:1000@0\nchunk?id=7\n#EXT-X-ENDLIST",
				base:  "https://cdn.example/a/",
			},
			want: "#EXTM3U\n#EXTINF:4.0,\n#EXT-X-BYTERANGE:1000@0\n" + wrapped("https://cdn.example/a/chunk?id=7") + "\n#EXT-X-ENDLIST",
		},
		{
			name: "crlf line endings",
			args: args{
				input: "#EXTM3U\r\n#EXTINF:4.0,\r\nseg0.ts\r\n",
				base:  "https://cdn.example/a/",
			},
			want: "#EXTM3U\r\n#EXTINF:4.0,\r\n" + wrapped("https://cdn.example/a/seg0.ts") + "\r\n",
		},
		{
			name: "data uri key is kept",
			args: args{
				input: "#EXT-X-KEY:METHOD=AES-128,URI=\"data:text/plain;base64,AAAA\"\n",
				base:  "https://cdn.example/a/",
			},
			want: "#EXT-X-KEY:METHOD=AES-128,URI=\"data:text/plain;base64,AAAA\"\n",
		},
		{
			name: "unknown bare line is kept",
			args: args{
				input: "#EXTM3U\nsomething-else\n",
				base:  "https://cdn.example/a/",
			},
			want: "#EXTM3U\nsomething-else\n",
		},
	}

	r := newTestRewriter(t, "https://origin.example")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Rewrite(tt.args.input, tt.args.base)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRewriteIdempotent(t *testing.T) {
	r := newTestRewriter(t, "https://origin.example")

	input := "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"/key.bin\"\n" +
		"#EXTINF:4.0,\n" +
		"seg0.ts\n" +
		"#EXTINF:4.0,\n" +
		"https://cdn.example/x/seg1.ts\n"

	once := r.Rewrite(input, "https://cdn.example/a/")
	twice := r.Rewrite(once, "https://cdn.example/a/")
	assert.Equal(t, once, twice)
	assert.NotContains(t, twice, "proxy%3Furl")
}

func TestRewriteScoped(t *testing.T) {
	r := newTestRewriter(t, "https://origin.example")

	input := "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"/key.bin\"\n" +
		"#EXTINF:4.0,\n" +
		"seg0.ts\n" +
		"#EXTINF:4.0,\n" +
		"http://tv.local:8080/proxy?url=https%3A%2F%2Fcdn.example%2Fx%2Fseg1.ts\n" +
		"https://tv.local:8080/proxy?url=https%3A%2F%2Fcdn.example%2Fx%2Fother\n"

	out := r.RewriteScoped(input, "https://cdn.example/a/", Scope{
		Session: "viewer-1",
		Hosts:   []string{"tv.local:8080"},
	})
	lines := strings.Split(out, "\n")

	// fresh references carry the session token
	for _, i := range []int{1, 3} {
		ref := strings.TrimSuffix(lines[i][strings.Index(lines[i], "/proxy?"):], `"`)
		u, err := url.Parse(ref)
		require.NoError(t, err)
		assert.Equal(t, "viewer-1", u.Query().Get("session"))
	}
	assert.Contains(t, lines[1], "url="+url.QueryEscape("https://origin.example/key.bin"))
	assert.Contains(t, lines[3], "url="+url.QueryEscape("https://cdn.example/a/seg0.ts"))

	// lines already pointing at this proxy host are not wrapped again
	assert.Equal(t, "http://tv.local:8080/proxy?url=https%3A%2F%2Fcdn.example%2Fx%2Fseg1.ts", lines[5])
	assert.Equal(t, "https://tv.local:8080/proxy?url=https%3A%2F%2Fcdn.example%2Fx%2Fother", lines[6])

	// without the host they are foreign URIs
	unscoped := strings.Split(r.Rewrite(input, "https://cdn.example/a/"), "\n")
	assert.True(t, strings.HasPrefix(unscoped[5], "/proxy?url=http%3A%2F%2Ftv.local"))
	assert.NotContains(t, unscoped[3], "session=")
}

func TestRewriteRoundTrip(t *testing.T) {
	r := newTestRewriter(t, "https://origin.example")

	input := "#EXTINF:4.0,\nhttps://cdn.example/a/seg%20one.ts?token=a%2Bb&expires=1\n"
	out := r.Rewrite(input, "https://cdn.example/a/")

	line := strings.Split(out, "\n")[1]
	u, err := url.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a/seg%20one.ts?token=a%2Bb&expires=1", u.Query().Get("url"))
}

func TestResolve(t *testing.T) {
	r := newTestRewriter(t, "https://origin.example/ignored/path")

	tests := []struct {
		name string
		ref  string
		base string
		want string
	}{
		{
			name: "relative against manifest uri",
			ref:  "seg000.ts",
			base: "https://cdn.example/a/b/manifest.m3u8",
			want: "https://cdn.example/a/b/seg000.ts",
		},
		{
			name: "relative against base directory",
			ref:  "seg000.ts?t=1",
			base: "https://cdn.example/a/b/",
			want: "https://cdn.example/a/b/seg000.ts?t=1",
		},
		{
			name: "parent directory",
			ref:  "../c/seg.ts",
			base: "https://cdn.example/a/b/",
			want: "https://cdn.example/a/c/seg.ts",
		},
		{
			name: "root-relative uses origin",
			ref:  "/enc.key",
			base: "https://cdn.example/a/b/manifest.m3u8",
			want: "https://origin.example/enc.key",
		},
		{
			name: "scheme-relative",
			ref:  "//other.example/x.ts",
			base: "https://cdn.example/a/",
			want: "https://other.example/x.ts",
		},
		{
			name: "absolute",
			ref:  "http://other.example/x.ts?a=%2F",
			base: "https://cdn.example/a/",
			want: "http://other.example/x.ts?a=%2F",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := url.Parse(tt.base)
			require.NoError(t, err)

			got, ok := r.Resolve(tt.ref, base)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRootRelativeWithoutOrigin(t *testing.T) {
	r := newTestRewriter(t, "")

	base, err := url.Parse("https://cdn.example/a/")
	require.NoError(t, err)

	got, ok := r.Resolve("/enc.key", base)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/enc.key", got)
}

func TestBaseURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"https://cdn.example/a/b/manifest.m3u8", "https://cdn.example/a/b/"},
		{"https://cdn.example/playlist/123?token=x&expires=1", "https://cdn.example/playlist/"},
		{"https://cdn.example/a/", "https://cdn.example/a/"},
		{"https://cdn.example", "https://cdn.example/"},
		{"https://cdn.example/a%20b/c.m3u8", "https://cdn.example/a%20b/"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := BaseURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want LineKind
	}{
		{"", LineBlank},
		{"   ", LineBlank},
		{"#EXTM3U", LineTag},
		{"#EXT-X-KEY:METHOD=AES-128,URI=\"k.key\"", LineAttributeURI},
		{"seg.ts", LineURI},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyLine(tt.line), tt.line)
	}
}
