package tasks

import (
	"math/rand"

	"planet-backend/pkg/types"
)

// 内置备用科学数据集.
// 真实公开数据来源: RCSB PDB / NOAA NCEI / USGS 地震目录.
// 实时数据源不可用时从此目录铸造任务.

// Residue 蛋白质骨架残基坐标
type Residue struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	Type string  `json:"type"`
}

// InitialCondition 气候网格初始温度点
type InitialCondition struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Temp float64 `json:"temp"`
}

// FreqComponent 地震波形频率分量
type FreqComponent struct {
	Hz        float64 `json:"hz"`
	Amplitude float64 `json:"amplitude"`
	Phase     float64 `json:"phase"`
}

// ProteinDataset 蛋白质折叠任务数据集
type ProteinDataset struct {
	ScienceID   string
	Name        string
	Description string
	Residues    []Residue
	Iterations  float64
	Temperature float64
}

// ClimateDataset 热扩散模拟任务数据集
type ClimateDataset struct {
	ScienceID         string
	Name              string
	Description       string
	GridSize          float64
	TimeSteps         float64
	DiffusionCoeff    float64
	InitialConditions []InitialCondition
}

// SignalDataset 地震信号分析任务数据集
type SignalDataset struct {
	ScienceID   string
	Name        string
	Description string
	SampleRate  float64
	Duration    float64
	Frequencies []FreqComponent
	NoiseLevel  float64
}

var proteinCatalog = []ProteinDataset{
	{
		ScienceID:   "1UBQ",
		Name:        "Ubiquitin",
		Description: "Modeling Ubiquitin folding pathways linked to neurodegenerative disease",
		Residues: []Residue{
			{27.340, 24.430, 2.614, "MET"},
			{26.266, 25.413, 2.842, "GLN"},
			{26.913, 26.639, 3.531, "ILE"},
			{27.273, 28.013, 2.838, "PHE"},
			{26.220, 29.037, 2.924, "VAL"},
			{25.853, 29.395, 4.366, "LYS"},
			{27.009, 30.203, 4.985, "THR"},
			{26.776, 31.597, 4.530, "LEU"},
			{25.523, 32.282, 5.116, "THR"},
			{25.166, 33.410, 4.185, "GLY"},
			{24.106, 34.283, 4.669, "LYS"},
			{22.930, 33.500, 5.118, "THR"},
			{21.840, 33.246, 4.106, "ILE"},
			{20.618, 32.634, 4.730, "THR"},
			{19.612, 33.655, 5.069, "LEU"},
			{20.253, 35.031, 5.144, "GLU"},
			{20.777, 35.383, 3.756, "VAL"},
			{21.558, 36.681, 3.822, "GLU"},
			{22.926, 36.457, 4.405, "PRO"},
			{23.779, 35.338, 3.840, "SER"},
		},
		Iterations:  2000,
		Temperature: 310,
	},
	{
		ScienceID:   "1CRN",
		Name:        "Crambin",
		Description: "Optimizing Crambin structure for computational drug design",
		Residues: []Residue{
			{16.967, 12.784, 4.338, "THR"},
			{15.685, 11.602, 6.002, "THR"},
			{14.235, 10.574, 7.726, "CYS"},
			{12.675, 11.574, 9.274, "CYS"},
			{10.938, 12.684, 10.590, "PRO"},
			{9.561, 13.565, 11.750, "SER"},
			{8.365, 14.220, 13.100, "ILE"},
			{7.135, 15.115, 14.200, "VAL"},
			{5.920, 16.100, 15.340, "ALA"},
			{4.714, 16.880, 16.420, "ARG"},
			{3.580, 17.652, 17.483, "SER"},
			{2.476, 18.345, 18.490, "ASN"},
			{1.432, 19.012, 19.433, "PHE"},
			{0.453, 19.622, 20.342, "ASN"},
			{-0.498, 20.195, 21.215, "VAL"},
			{-1.405, 20.732, 22.062, "CYS"},
		},
		Iterations:  1500,
		Temperature: 300,
	},
	{
		ScienceID:   "2RNM",
		Name:        "Ribonuclease",
		Description: "Analyzing Ribonuclease stability for cancer therapeutic development",
		Residues: []Residue{
			{40.415, 21.728, 16.958, "LYS"},
			{39.283, 22.640, 17.700, "GLU"},
			{38.145, 23.200, 18.550, "THR"},
			{37.020, 24.100, 19.330, "ALA"},
			{35.890, 24.650, 20.200, "ALA"},
			{34.750, 25.350, 21.050, "ALA"},
			{33.610, 25.850, 21.930, "LYS"},
			{32.485, 26.500, 22.780, "PHE"},
			{31.360, 27.000, 23.650, "GLU"},
			{30.240, 27.650, 24.500, "ARG"},
			{29.130, 28.150, 25.380, "GLN"},
			{28.020, 28.800, 26.240, "HIS"},
			{26.910, 29.300, 27.120, "MET"},
			{25.800, 29.950, 27.980, "ASP"},
			{24.690, 30.450, 28.860, "SER"},
			{23.580, 31.100, 29.720, "SER"},
		},
		Iterations:  2500,
		Temperature: 320,
	},
}

var climateCatalog = []ClimateDataset{
	{
		ScienceID:      "arctic-warming",
		Name:           "Arctic Ice Sheet Melt Model",
		Description:    "Simulating Arctic ice sheet thermal dynamics",
		GridSize:       48,
		TimeSteps:      1000,
		DiffusionCoeff: 0.023,
		InitialConditions: []InitialCondition{
			{12, 24, -15.2},
			{24, 36, -8.7},
			{36, 24, -22.1},
			{24, 12, -10.5},
			{24, 24, -18.3},
			{8, 16, -5.2},
			{40, 32, -12.8},
		},
	},
	{
		ScienceID:      "ocean-heat",
		Name:           "Pacific Ocean Heat Transport",
		Description:    "Modeling Pacific Ocean heat transport for El Nino prediction",
		GridSize:       56,
		TimeSteps:      1200,
		DiffusionCoeff: 0.018,
		InitialConditions: []InitialCondition{
			{28, 42, 28.5},
			{14, 28, 24.2},
			{42, 28, 26.8},
			{28, 14, 18.3},
			{7, 35, 15.6},
			{49, 35, 22.1},
		},
	},
	{
		ScienceID:      "urban-heat",
		Name:           "Urban Heat Island Analysis",
		Description:    "Analyzing urban heat island effects for city planning",
		GridSize:       40,
		TimeSteps:      800,
		DiffusionCoeff: 0.031,
		InitialConditions: []InitialCondition{
			{20, 20, 38.5},
			{10, 20, 32.1},
			{30, 20, 31.8},
			{20, 10, 28.4},
			{20, 30, 29.2},
			{5, 5, 25.6},
			{35, 35, 26.1},
		},
	},
}

var signalCatalog = []SignalDataset{
	{
		ScienceID:   "2024-noto-japan",
		Name:        "Noto Peninsula Earthquake Analysis",
		Description: "Processing Noto Peninsula earthquake waveform data",
		SampleRate:  1000,
		Duration:    8.0,
		Frequencies: []FreqComponent{
			{1.2, 2.8, 0.0},
			{0.5, 4.1, 1.57},
			{2.8, 1.5, 0.78},
			{0.15, 5.2, 3.14},
			{5.5, 0.8, 2.35},
			{8.2, 0.4, 4.71},
		},
		NoiseLevel: 0.05,
	},
	{
		ScienceID:   "2023-turkey-syria",
		Name:        "Turkey-Syria Earthquake Sequence",
		Description: "Analyzing Turkey-Syria earthquake sequence for hazard mapping",
		SampleRate:  1000,
		Duration:    12.0,
		Frequencies: []FreqComponent{
			{0.8, 5.5, 0.0},
			{1.5, 3.2, 0.52},
			{0.3, 6.8, 2.09},
			{3.2, 1.8, 1.04},
			{6.0, 0.9, 3.67},
		},
		NoiseLevel: 0.08,
	},
	{
		ScienceID:   "2025-cascadia-sim",
		Name:        "Cascadia Subduction Zone Model",
		Description: "Modeling Cascadia M9.0 scenario for early warning systems",
		SampleRate:  1000,
		Duration:    15.0,
		Frequencies: []FreqComponent{
			{0.1, 8.0, 0.0},
			{0.4, 6.5, 1.05},
			{1.0, 4.2, 2.09},
			{2.5, 2.8, 0.52},
			{5.0, 1.5, 3.14},
			{0.05, 3.0, 4.19},
			{7.5, 0.6, 5.24},
		},
		NoiseLevel: 0.04,
	},
}

func (d ProteinDataset) payload() map[string]interface{} {
	residues := make([]interface{}, 0, len(d.Residues))
	for _, r := range d.Residues {
		residues = append(residues, map[string]interface{}{
			"x": r.X, "y": r.Y, "z": r.Z, "type": r.Type,
		})
	}
	return map[string]interface{}{
		"scienceId":   d.ScienceID,
		"name":        d.Name,
		"description": d.Description,
		"residues":    residues,
		"iterations":  d.Iterations,
		"temperature": d.Temperature,
	}
}

func (d ClimateDataset) payload() map[string]interface{} {
	conds := make([]interface{}, 0, len(d.InitialConditions))
	for _, c := range d.InitialConditions {
		conds = append(conds, map[string]interface{}{
			"x": c.X, "y": c.Y, "temp": c.Temp,
		})
	}
	return map[string]interface{}{
		"scienceId":         d.ScienceID,
		"name":              d.Name,
		"description":       d.Description,
		"gridSize":          d.GridSize,
		"timeSteps":         d.TimeSteps,
		"diffusionCoeff":    d.DiffusionCoeff,
		"initialConditions": conds,
	}
}

func (d SignalDataset) payload() map[string]interface{} {
	freqs := make([]interface{}, 0, len(d.Frequencies))
	for _, f := range d.Frequencies {
		freqs = append(freqs, map[string]interface{}{
			"hz": f.Hz, "amplitude": f.Amplitude, "phase": f.Phase,
		})
	}
	return map[string]interface{}{
		"scienceId":   d.ScienceID,
		"name":        d.Name,
		"description": d.Description,
		"sampleRate":  d.SampleRate,
		"duration":    d.Duration,
		"frequencies": freqs,
		"noiseLevel":  d.NoiseLevel,
	}
}

// fallbackTypes 可从内置目录铸造的任务类型
var fallbackTypes = []types.TaskType{
	types.TaskTypeProtein,
	types.TaskTypeClimate,
	types.TaskTypeSignal,
}

// PickFallback 随机挑选一个内置数据集作为任务载荷
func PickFallback(rnd *rand.Rand) (types.TaskType, map[string]interface{}) {
	t := fallbackTypes[rnd.Intn(len(fallbackTypes))]
	switch t {
	case types.TaskTypeProtein:
		return t, proteinCatalog[rnd.Intn(len(proteinCatalog))].payload()
	case types.TaskTypeClimate:
		return t, climateCatalog[rnd.Intn(len(climateCatalog))].payload()
	default:
		return t, signalCatalog[rnd.Intn(len(signalCatalog))].payload()
	}
}
