package region

// staticZones maps geolocation strings as marketplace hosts report them to
// CPU-provider zones. Keys mix country codes, US/CA states, and city names
// because that is what hosts actually send.
var staticZones = map[string]string{
	// Canada
	"Quebec, CA":           "northamerica-northeast1-a",
	"Ontario, CA":          "northamerica-northeast2-a",
	"Montreal":             "northamerica-northeast1-a",
	"Toronto":              "northamerica-northeast2-a",
	"British Columbia, CA": "us-west1-a",

	// US east
	"New York, US":       "us-east4-a",
	"New Jersey, US":     "us-east4-a",
	"Virginia, US":       "us-east4-a",
	"North Carolina, US": "us-east1-b",
	"South Carolina, US": "us-east1-b",
	"Georgia, US":        "us-east1-b",
	"Florida, US":        "us-east1-b",
	"Pennsylvania, US":   "us-east4-a",
	"Massachusetts, US":  "us-east4-a",
	"Ohio, US":           "us-east5-a",

	// US central
	"Texas, US":     "us-south1-a",
	"Illinois, US":  "us-central1-a",
	"Iowa, US":      "us-central1-a",
	"Missouri, US":  "us-central1-a",
	"Kansas, US":    "us-central1-a",
	"Oklahoma, US":  "us-south1-a",
	"Tennessee, US": "us-east1-b",
	"Michigan, US":  "us-central1-a",
	"Minnesota, US": "us-central1-a",

	// US west
	"California, US": "us-west2-a",
	"Oregon, US":     "us-west1-a",
	"Washington, US": "us-west1-a",
	"Nevada, US":     "us-west4-a",
	"Arizona, US":    "us-west4-a",
	"Utah, US":       "us-west3-a",
	"Colorado, US":   "us-west3-a",

	// Europe
	"United Kingdom": "europe-west2-a",
	"England, GB":    "europe-west2-a",
	"London":         "europe-west2-a",
	"Netherlands":    "europe-west4-a",
	"Amsterdam":      "europe-west4-a",
	"Belgium":        "europe-west1-b",
	"Germany":        "europe-west3-a",
	"Bavaria, DE":    "europe-west3-a",
	"Hesse, DE":      "europe-west3-a",
	"Frankfurt":      "europe-west3-a",
	"France":         "europe-west9-a",
	"Paris":          "europe-west9-a",
	"Switzerland":    "europe-west6-a",
	"Zurich":         "europe-west6-a",
	"Italy":          "europe-west8-a",
	"Milan":          "europe-west8-a",
	"Spain":          "europe-southwest1-a",
	"Madrid":         "europe-southwest1-a",
	"Poland":         "europe-central2-a",
	"Warsaw":         "europe-central2-a",
	"Finland":        "europe-north1-a",
	"Sweden":         "europe-north1-a",
	"Norway":         "europe-north1-a",
	"Czechia":        "europe-central2-a",
	"Austria":        "europe-west3-a",
	"Romania":        "europe-central2-a",
	"Bulgaria":       "europe-central2-a",
	"Portugal":       "europe-southwest1-a",
	"Ireland":        "europe-west2-a",
	"Ukraine":        "europe-central2-a",

	// Asia
	"Japan":       "asia-northeast1-a",
	"Tokyo":       "asia-northeast1-a",
	"South Korea": "asia-northeast3-a",
	"Seoul":       "asia-northeast3-a",
	"Taiwan":      "asia-east1-a",
	"Hong Kong":   "asia-east2-a",
	"Singapore":   "asia-southeast1-a",
	"India":       "asia-south1-a",
	"Mumbai":      "asia-south1-a",
	"Indonesia":   "asia-southeast2-a",
	"Thailand":    "asia-southeast1-a",
	"Vietnam":     "asia-southeast1-a",
	"Malaysia":    "asia-southeast1-a",
	"Israel":      "me-west1-a",

	// Oceania
	"Australia": "australia-southeast1-a",
	"Sydney":    "australia-southeast1-a",
	"Melbourne": "australia-southeast2-a",

	// South America
	"Brazil":    "southamerica-east1-a",
	"Sao Paulo": "southamerica-east1-a",
	"Chile":     "southamerica-west1-a",
	"Argentina": "southamerica-east1-a",
}

type coord struct {
	lat, lon float64
}

// zoneCenters holds approximate datacenter coordinates for layer-2 nearest
// zone selection.
var zoneCenters = map[string]coord{
	"northamerica-northeast1-a": {45.50, -73.57},  // Montreal
	"northamerica-northeast2-a": {43.65, -79.38},  // Toronto
	"us-east1-b":                {33.20, -80.02},  // South Carolina
	"us-east4-a":                {39.03, -77.47},  // N. Virginia
	"us-east5-a":                {39.96, -83.00},  // Columbus
	"us-central1-a":             {41.26, -95.86},  // Iowa
	"us-south1-a":               {32.78, -96.80},  // Dallas
	"us-west1-a":                {45.60, -121.18}, // Oregon
	"us-west2-a":                {34.05, -118.24}, // Los Angeles
	"us-west3-a":                {40.76, -111.89}, // Salt Lake City
	"us-west4-a":                {36.17, -115.14}, // Las Vegas
	"europe-west1-b":            {50.45, 3.82},    // Belgium
	"europe-west2-a":            {51.51, -0.13},   // London
	"europe-west3-a":            {50.11, 8.68},    // Frankfurt
	"europe-west4-a":            {53.44, 6.84},    // Eemshaven
	"europe-west6-a":            {47.38, 8.54},    // Zurich
	"europe-west8-a":            {45.46, 9.19},    // Milan
	"europe-west9-a":            {48.86, 2.35},    // Paris
	"europe-north1-a":           {60.57, 27.19},   // Hamina
	"europe-central2-a":         {52.23, 21.01},   // Warsaw
	"europe-southwest1-a":       {40.42, -3.70},   // Madrid
	"me-west1-a":                {32.08, 34.78},   // Tel Aviv
	"asia-northeast1-a":         {35.69, 139.69},  // Tokyo
	"asia-northeast3-a":         {37.57, 126.98},  // Seoul
	"asia-east1-a":              {24.05, 120.52},  // Changhua
	"asia-east2-a":              {22.32, 114.17},  // Hong Kong
	"asia-southeast1-a":         {1.35, 103.82},   // Singapore
	"asia-southeast2-a":         {-6.21, 106.85},  // Jakarta
	"asia-south1-a":             {19.08, 72.88},   // Mumbai
	"australia-southeast1-a":    {-33.87, 151.21}, // Sydney
	"australia-southeast2-a":    {-37.81, 144.96}, // Melbourne
	"southamerica-east1-a":      {-23.55, -46.63}, // Sao Paulo
	"southamerica-west1-a":      {-33.45, -70.67}, // Santiago
}

// continentZones maps substring hints to continental default zones, tried
// before two-letter country codes.
var continentZones = map[string]string{
	"europe":    "europe-west4-a",
	"asia":      "asia-southeast1-a",
	"africa":    "europe-west4-a",
	"oceania":   "australia-southeast1-a",
	"america":   "us-central1-a",
	"australia": "australia-southeast1-a",
}

// countryDefaults covers two-letter codes appearing as comma parts in
// geolocation strings ("Oblast, RU").
var countryDefaults = map[string]string{
	"us": "us-central1-a",
	"ca": "northamerica-northeast1-a",
	"mx": "us-south1-a",
	"gb": "europe-west2-a",
	"uk": "europe-west2-a",
	"de": "europe-west3-a",
	"fr": "europe-west9-a",
	"nl": "europe-west4-a",
	"be": "europe-west1-b",
	"ch": "europe-west6-a",
	"it": "europe-west8-a",
	"es": "europe-southwest1-a",
	"pt": "europe-southwest1-a",
	"pl": "europe-central2-a",
	"cz": "europe-central2-a",
	"at": "europe-west3-a",
	"se": "europe-north1-a",
	"no": "europe-north1-a",
	"fi": "europe-north1-a",
	"dk": "europe-north1-a",
	"ie": "europe-west2-a",
	"ro": "europe-central2-a",
	"bg": "europe-central2-a",
	"ua": "europe-central2-a",
	"ru": "europe-north1-a",
	"tr": "europe-west4-a",
	"il": "me-west1-a",
	"in": "asia-south1-a",
	"jp": "asia-northeast1-a",
	"kr": "asia-northeast3-a",
	"tw": "asia-east1-a",
	"hk": "asia-east2-a",
	"cn": "asia-east2-a",
	"sg": "asia-southeast1-a",
	"id": "asia-southeast2-a",
	"th": "asia-southeast1-a",
	"vn": "asia-southeast1-a",
	"my": "asia-southeast1-a",
	"au": "australia-southeast1-a",
	"nz": "australia-southeast1-a",
	"br": "southamerica-east1-a",
	"ar": "southamerica-east1-a",
	"cl": "southamerica-west1-a",
	"za": "europe-west4-a",
}
