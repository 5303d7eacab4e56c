package version

var TowerSemVer = "0.1.0"
