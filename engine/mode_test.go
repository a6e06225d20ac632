package engine

import "testing"

func TestFindBestMode(t *testing.T) {
	mk := func(w, h uint16, refresh uint32, preferred bool) Mode {
		return Mode{Width: w, Height: h, Refresh: refresh, Preferred: preferred}
	}

	cases := []struct {
		name  string
		modes []Mode
		want  int
		none  bool
	}{
		{
			name:  "preferred wins over bigger",
			modes: []Mode{mk(3840, 2160, 60, false), mk(1920, 1080, 60, true)},
			want:  1,
		},
		{
			name:  "first preferred wins in reported order",
			modes: []Mode{mk(1280, 720, 60, true), mk(1920, 1080, 60, true)},
			want:  0,
		},
		{
			name:  "biggest area without preferred",
			modes: []Mode{mk(1280, 720, 60, false), mk(2560, 1440, 60, false), mk(1920, 1080, 60, false)},
			want:  1,
		},
		{
			name:  "area tie broken by refresh",
			modes: []Mode{mk(1920, 1080, 60, false), mk(1920, 1080, 144, false), mk(1920, 1080, 75, false)},
			want:  1,
		},
		{
			name:  "full tie keeps reported order",
			modes: []Mode{mk(1920, 1080, 60, false), mk(1080, 1920, 60, false)},
			want:  0,
		},
		{
			name: "no modes at all",
			none: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := ConnectorInfo{ID: 1, Connected: true, Modes: tc.modes}
			got, ok := FindBestMode(conn)
			if tc.none {
				if ok {
					t.Errorf("Expected no mode, got %+v", got)
				}
				return
			}
			if !ok {
				t.Fatalf("Expected a mode, got none")
			}
			if got != tc.modes[tc.want] {
				t.Errorf("Picked %+v, want %+v", got, tc.modes[tc.want])
			}
		})
	}
}
