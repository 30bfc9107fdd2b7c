package frank

import (
	"encoding/hex"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestTimestampedAlarmCBORVector(t *testing.T) {
	a := TimestampedAlarm{Intensity: 50, Duration: 100, Pattern: "rise", Timestamp: 1749056040}
	b, err := cbor.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	want := "a462706c1832626475186462706964726973656274741a68407a28"
	if got := hex.EncodeToString(b); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	var back TimestampedAlarm
	if err := cbor.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != a {
		t.Errorf("round trip: got %+v, want %+v", back, a)
	}
}

func TestFrankSettingsAcceptsIndefiniteLengthMap(t *testing.T) {
	// Marshal a definite-length map, then rewrite its header/trailer to
	// the indefinite-length form (0xbf ... 0xff instead of a count) and
	// confirm Unmarshal still accepts it.
	definite, err := cbor.Marshal(FrankSettings{Version: 1, GainLeft: 400, GainRight: 400, LEDBrightnessPercent: 80})
	if err != nil {
		t.Fatal(err)
	}
	// definite[0] is 0xa4 (map, 4 entries); an indefinite-length map
	// starts with 0xbf and ends with 0xff instead of encoding a count.
	indefinite := append([]byte{0xbf}, definite[1:]...)
	indefinite = append(indefinite, 0xff)

	var set FrankSettings
	if err := cbor.Unmarshal(indefinite, &set); err != nil {
		t.Fatalf("Unmarshal indefinite-length map: %v", err)
	}
	if set.Version != 1 || set.GainLeft != 400 || set.GainRight != 400 || set.LEDBrightnessPercent != 80 {
		t.Errorf("got %+v", set)
	}
}

func TestParseStatus(t *testing.T) {
	settingsCBOR, err := cbor.Marshal(FrankSettings{Version: 1, GainLeft: 400, GainRight: 400, LEDBrightnessPercent: 80})
	if err != nil {
		t.Fatal(err)
	}
	body := "tgHeatLevelL = 10\n" +
		"tgHeatLevelR = -5\n" +
		"heatLevelL = 9\n" +
		"heatLevelR = -4\n" +
		"heatTimeL = 120\n" +
		"heatTimeR = 0\n" +
		"sensorLabel = \"ok\"\n" +
		"waterLevel = true\n" +
		"priming = false\n" +
		"settings = \"" + hex.EncodeToString(settingsCBOR) + "\"\n"

	st := parseStatus(body)
	if st.TargetHeatLevelLeft != 10 || st.TargetHeatLevelRight != -5 {
		t.Errorf("target heat levels: got %d/%d", st.TargetHeatLevelLeft, st.TargetHeatLevelRight)
	}
	if !st.WaterLevel || st.Priming {
		t.Errorf("water/priming: got %v/%v", st.WaterLevel, st.Priming)
	}
	if st.Settings == nil || st.Settings.GainLeft != 400 {
		t.Errorf("settings: got %+v", st.Settings)
	}
}
