package evaluator

import (
	"math"

	"barrierbot/internal/storage"
)

// CalibrationBin is one one-vs-rest reliability bucket.
type CalibrationBin struct {
	Lo         float64
	Hi         float64
	Count      int
	AvgP       float64
	ActualRate float64
	AbsGap     float64
}

// AggregateMetrics summarises a recent evaluation window.
type AggregateMetrics struct {
	Total      int
	Accuracy   float64
	HitRate    float64
	NoneRate   float64
	UpRate     float64
	DownRate   float64
	AmbigCount int
	AvgBrier   float64
	AvgLogloss float64
	ECE        map[string]float64
}

// Calibration buckets the predicted probability for one class against its
// realized rate.
func Calibration(rows []storage.EvaluationResult, class string, bins int) []CalibrationBin {
	if bins <= 0 {
		bins = 10
	}
	out := make([]CalibrationBin, 0, bins)
	for i := 0; i < bins; i++ {
		lo := float64(i) / float64(bins)
		hi := float64(i+1) / float64(bins)

		var count int
		var sumP, sumY float64
		for _, r := range rows {
			p := classProb(r, class)
			inBin := p >= lo && p < hi
			if i == bins-1 && p == hi {
				inBin = true
			}
			if !inBin {
				continue
			}
			count++
			sumP += p
			if r.ActualDirection == class {
				sumY++
			}
		}

		bin := CalibrationBin{Lo: lo, Hi: hi, Count: count}
		if count > 0 {
			bin.AvgP = sumP / float64(count)
			bin.ActualRate = sumY / float64(count)
			bin.AbsGap = math.Abs(bin.AvgP - bin.ActualRate)
		}
		out = append(out, bin)
	}
	return out
}

// ECE is the count-weighted expected calibration error over the bins.
func ECE(bins []CalibrationBin) float64 {
	var weighted float64
	var total int
	for _, b := range bins {
		weighted += b.AbsGap * float64(b.Count)
		total += b.Count
	}
	if total == 0 {
		return 0
	}
	return weighted / float64(total)
}

// Aggregate computes window metrics, or nil for an empty window.
func Aggregate(rows []storage.EvaluationResult, bins int) *AggregateMetrics {
	if len(rows) == 0 {
		return nil
	}

	agg := &AggregateMetrics{
		Total: len(rows),
		ECE:   make(map[string]float64, 3),
	}
	var correct, hits, none, up, down int
	var brierSum, loglossSum float64
	for _, r := range rows {
		if r.DirectionHat == r.ActualDirection {
			correct++
		}
		if r.TouchTimeSec != nil {
			hits++
		}
		if r.AmbigTouch {
			agg.AmbigCount++
		}
		switch r.ActualDirection {
		case storage.DirectionNone:
			none++
		case storage.DirectionUp:
			up++
		case storage.DirectionDown:
			down++
		}
		brierSum += r.Brier
		loglossSum += r.Logloss
	}

	n := float64(len(rows))
	agg.Accuracy = float64(correct) / n
	agg.HitRate = float64(hits) / n
	agg.NoneRate = float64(none) / n
	agg.UpRate = float64(up) / n
	agg.DownRate = float64(down) / n
	agg.AvgBrier = brierSum / n
	agg.AvgLogloss = loglossSum / n

	for _, class := range []string{storage.DirectionUp, storage.DirectionDown, storage.DirectionNone} {
		agg.ECE[class] = ECE(Calibration(rows, class, bins))
	}
	return agg
}

func classProb(r storage.EvaluationResult, class string) float64 {
	switch class {
	case storage.DirectionUp:
		return r.PUp
	case storage.DirectionDown:
		return r.PDown
	default:
		return r.PNone
	}
}
