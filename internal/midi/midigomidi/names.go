package midigomidi

// RtMidiName selects the RtMidi driver through gomidi.
const RtMidiName = "rtmidi"
