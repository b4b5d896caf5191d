package security

import (
	"math"
	"testing"
)

func TestCrowdRisk(t *testing.T) {
	if got := CrowdRisk(0, 100, 0); got != 0 {
		t.Fatalf("empty frame should score 0, got %f", got)
	}
	low := CrowdRisk(10, 100, 10)
	high := CrowdRisk(95, 100, 60)
	if high <= low {
		t.Fatalf("near-capacity crowd must outscore sparse crowd: %f <= %f", high, low)
	}
	if got := CrowdRisk(500, 100, 500); got != 0.7 {
		t.Fatalf("over capacity with no growth should clamp occupancy term to 0.7, got %f", got)
	}
	// No capacity configured: occupancy term saturates.
	if got := CrowdRisk(3, 0, 3); got != 0.7 {
		t.Fatalf("unknown capacity should use full occupancy weight, got %f", got)
	}
}

func TestCrowdRisk_GrowthTerm(t *testing.T) {
	steady := CrowdRisk(50, 100, 50)
	surging := CrowdRisk(50, 100, 10)
	if surging <= steady {
		t.Fatalf("sudden influx must raise the score: %f <= %f", surging, steady)
	}
}

func TestThreatScore(t *testing.T) {
	if got := ThreatScore(nil); got != 0 {
		t.Fatalf("no labels should score 0, got %f", got)
	}
	benign := ThreatScore([]Label{
		{Description: "Crowd", Confidence: 0.9},
		{Description: "Street", Confidence: 0.8},
	})
	if benign != 0 {
		t.Fatalf("benign labels should score 0, got %f", benign)
	}
	armed := ThreatScore([]Label{{Description: "Assault rifle", Confidence: 0.9}})
	if math.Abs(armed-0.9) > 1e-9 {
		t.Fatalf("expected 0.9 for confident rifle label, got %f", armed)
	}
	multiple := ThreatScore([]Label{
		{Description: "Handgun", Confidence: 0.8},
		{Description: "Structure fire", Confidence: 0.7},
	})
	if multiple != 1 {
		t.Fatalf("stacked threats should clamp to 1, got %f", multiple)
	}
}

func TestThreatScore_ConfidenceScaling(t *testing.T) {
	sure := ThreatScore([]Label{{Description: "Knife", Confidence: 0.95}})
	unsure := ThreatScore([]Label{{Description: "Knife", Confidence: 0.2}})
	if sure <= unsure {
		t.Fatalf("confidence must scale the score: %f <= %f", sure, unsure)
	}
}

func TestAnomalyScore_FreshBaseline(t *testing.T) {
	obs := Observation{PersonCount: 40, Labels: []Label{{Description: "Riot", Confidence: 0.9}}}
	if got := AnomalyScore(obs, NewBaseline()); got != 0 {
		t.Fatalf("fresh baseline has nothing to deviate from, got %f", got)
	}
	if got := AnomalyScore(obs, nil); got != 0 {
		t.Fatalf("nil baseline should score 0, got %f", got)
	}
}

func TestAnomalyScore_Deviation(t *testing.T) {
	b := NewBaseline()
	for i := 0; i < 5; i++ {
		b.Update(Observation{
			PersonCount: 4,
			Labels:      []Label{{Description: "Pedestrian", Confidence: 0.9}},
		})
	}

	usual := AnomalyScore(Observation{
		PersonCount: 4,
		Labels:      []Label{{Description: "Pedestrian", Confidence: 0.9}},
	}, b)
	if usual != 0 {
		t.Fatalf("a typical chunk should score 0, got %f", usual)
	}

	unusual := AnomalyScore(Observation{
		PersonCount: 40,
		Labels:      []Label{{Description: "Broken glass", Confidence: 0.8}},
	}, b)
	if unusual <= usual {
		t.Fatalf("deviation must outscore the usual: %f <= %f", unusual, usual)
	}
}

func TestSentiment(t *testing.T) {
	if got := Sentiment(nil); got != 0 {
		t.Fatalf("no faces should be neutral, got %f", got)
	}
	happy := Sentiment([]FaceSignals{{Joy: VeryLikely, Anger: VeryUnlikely, Fear: VeryUnlikely, Sorrow: VeryUnlikely}})
	if happy <= 0 {
		t.Fatalf("joyful faces should be positive, got %f", happy)
	}
	panicked := Sentiment([]FaceSignals{
		{Joy: VeryUnlikely, Anger: Likely, Fear: VeryLikely, Sorrow: Possible},
		{Joy: VeryUnlikely, Anger: VeryLikely, Fear: VeryLikely, Sorrow: Unlikely},
	})
	if panicked >= 0 {
		t.Fatalf("panicked faces should be negative, got %f", panicked)
	}
	if panicked < -1 || happy > 1 {
		t.Fatalf("valence must stay in -1..1: %f, %f", panicked, happy)
	}
}

func TestAssess_Levels(t *testing.T) {
	quiet := Assess(Observation{PersonCount: 2}, 100, 2, NewBaseline())
	if quiet.Level != LevelNone {
		t.Fatalf("quiet scene should be level none, got %s", quiet.Level)
	}

	b := NewBaseline()
	b.Update(Observation{PersonCount: 3, Labels: []Label{{Description: "Sidewalk", Confidence: 0.9}}})

	armed := Assess(Observation{
		PersonCount: 90,
		Labels: []Label{
			{Description: "Handgun", Confidence: 0.95},
			{Description: "Explosion", Confidence: 0.9},
		},
		Faces: []FaceSignals{{Joy: VeryUnlikely, Anger: VeryLikely, Fear: VeryLikely}},
	}, 100, 10, b)
	if armed.Level != LevelCritical {
		t.Fatalf("armed panicking crowd should be critical, got %s (threat=%f crowd=%f anomaly=%f sentiment=%f)",
			armed.Level, armed.ThreatScore, armed.CrowdRisk, armed.AnomalyScore, armed.Sentiment)
	}
}

func TestBaseline_Update(t *testing.T) {
	b := NewBaseline()
	b.Update(Observation{PersonCount: 2})
	b.Update(Observation{PersonCount: 4})
	if b.Chunks != 2 {
		t.Fatalf("expected 2 chunks, got %d", b.Chunks)
	}
	if math.Abs(b.MeanPersons-3) > 1e-9 {
		t.Fatalf("expected running mean 3, got %f", b.MeanPersons)
	}
}
