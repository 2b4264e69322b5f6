package wire

// Brand identifies the vendor dialect carried in the advertisement. The wire
// form is a 16-bit little-endian tag; only the low byte is assigned today.
type Brand uint16

const (
	BrandUnknown Brand = 0
	BrandOppo    Brand = 10
	BrandRealme  Brand = 11
	BrandVivo    Brand = 20
	BrandXiaomi  Brand = 30
	BrandOnePlus Brand = 41
	BrandMeizu   Brand = 50
	BrandSamsung Brand = 70
	BrandLenovo  Brand = 100
	BrandLinux   Brand = 200
)

// Name returns the vendor marketing name.
func (b Brand) Name() string {
	switch b {
	case BrandOppo:
		return "OPPO"
	case BrandRealme:
		return "realme"
	case BrandVivo:
		return "vivo"
	case BrandXiaomi:
		return "Xiaomi"
	case BrandOnePlus:
		return "OnePlus"
	case BrandMeizu:
		return "Meizu"
	case BrandSamsung:
		return "Samsung"
	case BrandLenovo:
		return "Lenovo"
	case BrandLinux:
		return "Linux"
	default:
		return "Unknown"
	}
}

// BrandFromID folds an observed id into the closed enumeration. Vendors
// allocate small ranges per dialect revision, so ranges map to one brand.
func BrandFromID(id uint16) Brand {
	switch {
	case id == 10:
		return BrandOppo
	case id == 11:
		return BrandRealme
	case id >= 20 && id <= 29:
		return BrandVivo
	case id >= 30 && id <= 39:
		return BrandXiaomi
	case id >= 41 && id <= 45:
		return BrandOnePlus
	case id >= 50 && id <= 59:
		return BrandMeizu
	case id >= 70 && id <= 75:
		return BrandSamsung
	case id >= 100 && id <= 109:
		return BrandLenovo
	case id == 200:
		return BrandLinux
	default:
		return BrandUnknown
	}
}
